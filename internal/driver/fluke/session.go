package fluke

// LinkState 链路层状态
type LinkState int

const (
	LinkClosed LinkState = iota
	LinkConnectRequested
	LinkOpen
)

func (s LinkState) String() string {
	switch s {
	case LinkClosed:
		return "closed"
	case LinkConnectRequested:
		return "connect_requested"
	case LinkOpen:
		return "open"
	default:
		return "unknown"
	}
}

// SessionState 会话层状态
type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingAck
	StateAwaitingResponse
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// 控制字节
const (
	ctrlAck         = 0x01
	ctrlConnect     = 0x03
	ctrlCRCError    = 0x05
	ctrlLinkOpen    = 0x07
	ctrlLinkError   = 0x0b
	ctrlNeedAck     = 0x20
	ctrlAckReply    = 0x21
	ctrlAckAlt      = 0x41
	ctrlNeedAckAlt  = 0x60
	ctrlAckReplyAlt = 0x61
)

// pendingCommand 已发出、等待应答的命令
type pendingCommand struct {
	text     string
	name     string
	argument string
	attempts int
}

// commandQueue 先进先出, 续传请求通过 PushFront 插队
type commandQueue struct {
	items []string
}

func (q *commandQueue) Push(cmd string) {
	q.items = append(q.items, cmd)
}

func (q *commandQueue) PushFront(cmd string) {
	q.items = append([]string{cmd}, q.items...)
}

func (q *commandQueue) Pop() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	cmd := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return cmd, true
}

func (q *commandQueue) Len() int {
	return len(q.items)
}

func (q *commandQueue) Clear() {
	q.items = nil
}
