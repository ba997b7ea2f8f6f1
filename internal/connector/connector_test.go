package connector

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panduza/panduza-core/internal/codec"
	"github.com/panduza/panduza-core/internal/errkind"
)

// fakePort records writes and serves scripted responses.
type fakePort struct {
	mu        sync.Mutex
	writes    [][]byte
	writeTime []time.Time
	responses [][]byte
	respond   func(written []byte) []byte
	inflight  atomic.Int32
	maxFlight atomic.Int32
	readDelay time.Duration
	closed    bool
	readErr   error
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	p.writeTime = append(p.writeTime, time.Now())
	if p.respond != nil {
		p.responses = append(p.responses, p.respond(b))
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	cur := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		old := p.maxFlight.Load()
		if cur <= old || p.maxFlight.CompareAndSwap(old, cur) {
			break
		}
	}
	if p.readDelay > 0 {
		time.Sleep(p.readDelay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.responses) == 0 {
		return 0, nil
	}
	n := copy(b, p.responses[0])
	p.responses[0] = p.responses[0][n:]
	if len(p.responses[0]) == 0 {
		p.responses = p.responses[1:]
	}
	return n, nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func openerFor(p *fakePort) Opener {
	return func(context.Context) (Port, error) { return p, nil }
}

func TestConnector_Write(t *testing.T) {
	port := &fakePort{}
	c := New("test", openerFor(port), Options{})

	if err := c.Write(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(port.writes) != 1 || string(port.writes[0]) != "hello" {
		t.Errorf("writes = %q", port.writes)
	}
}

func TestConnector_QuietTime(t *testing.T) {
	port := &fakePort{}
	c := New("test", openerFor(port), Options{TimeLock: 100 * time.Millisecond})
	ctx := context.Background()

	for range 2 {
		if err := c.Write(ctx, []byte{0x01}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	gap := port.writeTime[1].Sub(port.writeTime[0])
	if gap < 100*time.Millisecond {
		t.Errorf("interval between writes = %v, want >= 100ms", gap)
	}
}

func TestConnector_QuietTimeElapsed(t *testing.T) {
	port := &fakePort{}
	c := New("test", openerFor(port), Options{TimeLock: 20 * time.Millisecond})
	ctx := context.Background()

	_ = c.Write(ctx, []byte{0x01})
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	_ = c.Write(ctx, []byte{0x02})
	if d := time.Since(start); d > 15*time.Millisecond {
		t.Errorf("second write waited %v after quiet time had elapsed", d)
	}
}

func TestConnector_QuietTimeCancelled(t *testing.T) {
	port := &fakePort{}
	c := New("test", openerFor(port), Options{TimeLock: time.Second})

	_ = c.Write(context.Background(), []byte{0x01})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Write(ctx, []byte{0x02}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Write() error = %v, want DeadlineExceeded", err)
	}
}

func TestConnector_WriteThenRead(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return []byte("OK") }}
	c := New("test", openerFor(port), Options{})

	buf := make([]byte, 16)
	n, err := c.WriteThenRead(context.Background(), []byte("PING"), buf)
	if err != nil {
		t.Fatalf("WriteThenRead() error = %v", err)
	}
	if string(buf[:n]) != "OK" {
		t.Errorf("read = %q, want %q", buf[:n], "OK")
	}
}

func TestConnector_WriteThenReadTimeout(t *testing.T) {
	c := New("test", openerFor(&fakePort{}), Options{})

	_, err := c.WriteThenRead(context.Background(), []byte("PING"), make([]byte, 4))
	if !errors.Is(err, errkind.ErrTimeout) {
		t.Errorf("WriteThenRead() error = %v, want ErrTimeout", err)
	}
}

func TestConnector_WriteThenReadUntil(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return []byte("12.5\nextra") }}
	c := New("test", openerFor(port), Options{})

	buf := make([]byte, 32)
	n, err := c.WriteThenReadUntil(context.Background(), []byte("VOUT?\n"), buf, '\n')
	if err != nil {
		t.Fatalf("WriteThenReadUntil() error = %v", err)
	}
	if string(buf[:n]) != "12.5\n" {
		t.Errorf("read = %q, want %q", buf[:n], "12.5\n")
	}
}

func TestConnector_WriteThenReadUntilBufferFull(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return []byte("123456") }}
	c := New("test", openerFor(port), Options{})

	_, err := c.WriteThenReadUntil(context.Background(), nil, make([]byte, 3), '\n')
	if !errors.Is(err, ErrBufferFull) {
		t.Errorf("WriteThenReadUntil() error = %v, want ErrBufferFull", err)
	}
}

func TestConnector_ExchangeSLIP(t *testing.T) {
	slip := codec.NewSLIP()
	port := &fakePort{respond: func(b []byte) []byte {
		// Echo the request reversed, split across reads by a small Read buffer.
		frame, _, _, _ := slip.NewDecoder().Decode(b)
		rev := make([]byte, len(frame))
		for i := range frame {
			rev[i] = frame[len(frame)-1-i]
		}
		wire, _ := slip.Encode(rev)
		return wire
	}}
	c := New("test", openerFor(port), Options{Codec: slip})

	resp, err := c.Exchange(context.Background(), []byte{0x01, 0xC0, 0x03})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if !bytes.Equal(resp, []byte{0x03, 0xC0, 0x01}) {
		t.Errorf("Exchange() = % x", resp)
	}
}

func TestConnector_ExchangeProtocolError(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return []byte{0xC0, 0xDB, 0x00, 0xC0} }}
	c := New("test", openerFor(port), Options{Codec: codec.NewSLIP()})

	_, err := c.Exchange(context.Background(), []byte{0x01})
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, errkind.ErrCodec) {
		t.Errorf("Exchange() error = %v, want ErrProtocol", err)
	}
}

func TestConnector_ExchangeTimeout(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return []byte{0xC0, 0x01} }}
	c := New("test", openerFor(port), Options{Codec: codec.NewSLIP()})

	_, err := c.Exchange(context.Background(), []byte{0x01})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Exchange() error = %v, want ErrTimeout", err)
	}
}

func TestConnector_NoConcurrentExchanges(t *testing.T) {
	port := &fakePort{
		respond:   func(b []byte) []byte { return b },
		readDelay: 5 * time.Millisecond,
	}
	c := New("test", openerFor(port), Options{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Exchange(context.Background(), []byte{byte(i)}); err != nil {
				t.Errorf("Exchange() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := port.maxFlight.Load(); got != 1 {
		t.Errorf("max concurrent reads = %d, want 1", got)
	}
}

func TestConnector_ReopensAfterFailure(t *testing.T) {
	opens := 0
	port := &fakePort{readErr: errors.New("device unplugged")}
	c := New("test", func(context.Context) (Port, error) {
		opens++
		return port, nil
	}, Options{})

	_, err := c.WriteThenRead(context.Background(), []byte{1}, make([]byte, 1))
	if !errors.Is(err, errkind.ErrIO) {
		t.Fatalf("WriteThenRead() error = %v, want ErrIO", err)
	}
	if !port.closed {
		t.Error("port not closed after failure")
	}

	port.readErr = nil
	_ = c.Write(context.Background(), []byte{2})
	if opens != 2 {
		t.Errorf("opens = %d, want 2", opens)
	}
}
