package w433

import (
	"testing"
	"time"

	"github.com/GeoNomad/wizkers/internal/driver/drivertest"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

// 0A0 + 类型 0 + 地址 4C + 读数 723 + 冗余 72 + 校验 F
const tempLine = "0A004C72372F"

func TestDecodeTX3(t *testing.T) {
	r, ok := DecodeTX3(tempLine)
	if !ok {
		t.Fatalf("valid line rejected")
	}
	if r.Type != "temperature" || r.Address != 0x4c || r.Value != 22.3 {
		t.Fatalf("unexpected reading: %+v", r)
	}

	bad := []string{
		"0A004C72372E", // 校验错误
		"0A004C72382F", // 冗余不一致
		"0A004C72372",  // 长度不足
		"0A004C7237ZF",
	}
	for _, line := range bad {
		if _, ok := DecodeTX3(line); ok {
			t.Fatalf("%q should be rejected", line)
		}
	}
}

func TestHumidity(t *testing.T) {
	// 类型 E, 地址 4D (最低位被屏蔽), 读数 456
	line := "0A0E4D45645"
	sum := 0
	for _, c := range line {
		v := c - '0'
		if c >= 'A' {
			v = c - 'A' + 10
		}
		sum += int(v)
	}
	line += string("0123456789ABCDEF"[sum%16])

	r, ok := DecodeTX3(line)
	if !ok {
		t.Fatalf("valid line rejected: %s", line)
	}
	if r.Type != "humidity" || r.Address != 0x4c || r.Value != 46 {
		t.Fatalf("unexpected reading: %+v", r)
	}
}

func TestFeedDeduplicates(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := New(nil, map[int]string{0x4c: "garden"})
	d.now = func() time.Time { return now }
	h := drivertest.New()
	d.Open(h)

	d.Feed([]byte(tempLine + "\r\n" + tempLine + "\r\n"))
	got := h.EventsOf(protocol.EventReading)
	if len(got) != 1 {
		t.Fatalf("duplicate not dropped: %d readings", len(got))
	}
	if got[0].Payload.(protocol.Response)["sensor_name"] != "garden" {
		t.Fatalf("unexpected sensor name: %v", got[0].Payload)
	}

	now = now.Add(1500 * time.Millisecond)
	d.Feed([]byte(tempLine + "\n"))
	if len(h.EventsOf(protocol.EventReading)) != 2 {
		t.Fatalf("reading after dedup window dropped")
	}
}
