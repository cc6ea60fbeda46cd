package mc

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal in-memory text-protocol server good enough to
// exercise Client without a real memcached binary.
type fakeServer struct {
	ln    net.Listener
	store map[string]Item
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{ln: ln, store: make(map[string]Item)}
	go fs.serve(t)
	return fs
}

func (fs *fakeServer) serve(t *testing.T) {
	for {
		c, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go fs.handle(t, c)
	}
}

func (fs *fakeServer) handle(t *testing.T, nc net.Conn) {
	defer nc.Close()
	r := bufio.NewReader(nc)
	w := bufio.NewWriter(nc)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "version":
			w.WriteString("VERSION fake-1.0\r\n")
		case "set", "add", "replace":
			flags, exptime, n := fields[2], fields[3], atoiT(t, fields[4])
			_ = exptime
			body := make([]byte, n+2)
			readFullT(t, r, body)
			fs.store[fields[1]] = Item{Key: fields[1], Value: body[:n], Flags: uint32(atoiT(t, flags))}
			w.WriteString("STORED\r\n")
		case "delete":
			delete(fs.store, fields[1])
			w.WriteString("DELETED\r\n")
		case "gets":
			for _, k := range fields[1:] {
				if it, ok := fs.store[k]; ok {
					w.WriteString("VALUE " + k + " " + itoa(int(it.Flags)) + " " + itoa(len(it.Value)) + " 1\r\n")
					w.Write(it.Value)
					w.WriteString("\r\n")
				}
			}
			w.WriteString("END\r\n")
		default:
			w.WriteString("ERROR\r\n")
		}
		w.Flush()
	}
}

func atoiT(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		require.True(t, c >= '0' && c <= '9')
		n = n*10 + int(c-'0')
	}
	return n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func readFullT(t *testing.T, r *bufio.Reader, buf []byte) {
	t.Helper()
	for off := 0; off < len(buf); {
		n, err := r.Read(buf[off:])
		require.NoError(t, err)
		off += n
	}
}

func TestClientSetAndGet(t *testing.T) {
	fs := startFakeServer(t)
	defer fs.ln.Close()

	c := NewClient(fs.ln.Addr().String())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "foo", []byte("bar"), 0, 0, true))

	it, ok, err := c.Get(ctx, "foo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("bar"), it.Value)
}

func TestClientCompressesLargeValues(t *testing.T) {
	fs := startFakeServer(t)
	defer fs.ln.Close()

	c := NewClient(fs.ln.Addr().String())
	ctx := context.Background()
	big := []byte(strings.Repeat("compressible-payload ", 200))

	require.NoError(t, c.Set(ctx, "big", big, 0, 0, false))
	it, ok, err := c.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, it.Value, "value round-trips through transparent decompression")
}

func TestClientRejectsBadKeys(t *testing.T) {
	c := NewClient("127.0.0.1:0")
	ctx := context.Background()
	err := c.Set(ctx, "has space", []byte("x"), 0, 0, true)
	assert.Error(t, err)
}

func TestClientDialFailureFlagsDown(t *testing.T) {
	c := NewClient("127.0.0.1:1", WithConnectTimeout(50*time.Millisecond), WithGiveUpTimeout(50*time.Millisecond))
	ctx := context.Background()
	for i := 0; i < errorThreshold; i++ {
		_ = c.Set(ctx, "k", []byte("v"), 0, 0, true)
	}
	assert.True(t, c.Down())
}
