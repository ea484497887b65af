package transport

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/GeoNomad/wizkers/internal/config"
)

// sshChannel 把 SSH 会话的 stdin/stdout 组合成 ReadWriteCloser
type sshChannel struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	session *ssh.Session
	client  *ssh.Client
}

func (c *sshChannel) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sshChannel) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *sshChannel) Close() error {
	c.stdin.Close()
	c.session.Close()
	return c.client.Close()
}

func sshClientConfig(cfg config.TransportConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("读取私钥失败: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("解析私钥失败: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("transport: ssh 需要 password 或 key_file")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("加载 known_hosts 失败: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}, nil
}

// openSSH 通过 SSH 连接串口服务器 (console server) 上的端口
func openSSH(cfg config.TransportConfig, h Handler, log *logrus.Entry) (Transport, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("transport: ssh 需要 address")
	}
	clientConfig, err := sshClientConfig(cfg)
	if err != nil {
		return nil, err
	}

	client, err := ssh.Dial("tcp", cfg.Address, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("SSH 连接 %s 失败: %w", cfg.Address, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("创建 SSH 会话失败: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("获取 stdin 失败: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("获取 stdout 失败: %w", err)
	}

	if cfg.Command != "" {
		err = session.Start(cfg.Command)
	} else {
		err = session.Shell()
	}
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("启动 SSH 会话失败: %w", err)
	}

	log.Infof("SSH 串口已连接: %s@%s", cfg.User, cfg.Address)
	s := newStream(&sshChannel{stdin: stdin, stdout: stdout, session: session, client: client}, h, log)
	s.start(4096)
	return s, nil
}
