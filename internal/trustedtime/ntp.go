package trustedtime

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// DefaultServer is the time authority queried when none is configured
	DefaultServer = "time-a-b.nist.gov"
	// DefaultPort is the NTP UDP port
	DefaultPort = 123
	// DefaultTimeout bounds the whole exchange, receive included
	DefaultTimeout = 3000 * time.Millisecond

	packetSize = 48
	// LI = 0 (no warning), VN = 3, Mode = 3 (client)
	clientModeV3 = 0x1B
	// offset of the transmit timestamp: the time the reply left the server
	transmitOffset = 40
)

// ntpEpoch is the origin of NTP timestamps
var ntpEpoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// ErrMalformedReply is returned when a reply is too short to carry a transmit timestamp
var ErrMalformedReply = errors.New("malformed ntp reply")

// Client performs a single SNTP request/response exchange over UDP
type Client struct {
	Server   string
	Port     int
	Timeout  time.Duration
	Resolver *net.Resolver
}

// NewClient creates a client for server. Empty server and non-positive
// timeout fall back to the defaults.
func NewClient(server string, timeout time.Duration) *Client {
	if server == "" {
		server = DefaultServer
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		Server:   server,
		Port:     DefaultPort,
		Timeout:  timeout,
		Resolver: net.DefaultResolver,
	}
}

// Query asks the server for the current time. Exactly one request is sent;
// resolution, dial, send and receive all stop when ctx is done or the
// client timeout elapses, whichever comes first.
func (c *Client) Query(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	addr, err := c.resolve(ctx)
	if err != nil {
		return time.Time{}, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(addr.String(), strconv.Itoa(c.port())))
	if err != nil {
		return time.Time{}, fmt.Errorf("dial ntp server %s: %w", c.Server, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return time.Time{}, fmt.Errorf("set ntp deadline: %w", err)
		}
	}
	// unblock a pending read as soon as the caller cancels
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	req := make([]byte, packetSize)
	req[0] = clientModeV3
	if _, err := conn.Write(req); err != nil {
		return time.Time{}, c.ioError(ctx, "send", err)
	}

	reply := make([]byte, 2*packetSize)
	n, err := conn.Read(reply)
	if err != nil {
		return time.Time{}, c.ioError(ctx, "receive", err)
	}
	return DecodeTransmitTime(reply[:n])
}

// DecodeTransmitTime extracts the transmit timestamp of an NTP reply as UTC.
// Seconds and fraction are big-endian uint32 values at offsets 40 and 44;
// the result is truncated to whole milliseconds.
func DecodeTransmitTime(packet []byte) (time.Time, error) {
	if len(packet) < packetSize {
		return time.Time{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedReply, len(packet), packetSize)
	}
	seconds := uint64(binary.BigEndian.Uint32(packet[transmitOffset:]))
	fraction := uint64(binary.BigEndian.Uint32(packet[transmitOffset+4:]))

	millis := seconds*1000 + (fraction*1000)/0x100000000
	return ntpEpoch.Add(time.Duration(millis) * time.Millisecond), nil
}

func (c *Client) resolve(ctx context.Context) (net.IP, error) {
	resolver := c.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, c.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve ntp server %s: %w", c.Server, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve ntp server %s: no addresses", c.Server)
	}
	// prefer IPv4, the address family time servers answer reliably on
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	return addrs[0].IP, nil
}

// ioError reports the caller's cancellation in preference to the
// deadline error it caused on the socket
func (c *Client) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("ntp %s to %s: %w", op, c.Server, ctxErr)
	}
	return fmt.Errorf("ntp %s to %s: %w", op, c.Server, err)
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Client) port() int {
	if c.Port <= 0 {
		return DefaultPort
	}
	return c.Port
}
