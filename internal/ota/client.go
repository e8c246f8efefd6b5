package ota

import (
	"bufio"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/envsense/envnode/internal/transport"
)

// downloadChunkSize bounds each firmware read so an image is streamed
// into the inactive partition rather than held in memory.
const downloadChunkSize = 2048

// Advertised is the update server's answer to a version query: the
// newest image it holds for this device, and what the bytes must hash
// and measure to.
type Advertised struct {
	Version  string
	Checksum uint32
	Size     int64
}

// Client speaks the update server's wire protocol: one short-lived
// connection per request, plain-text bodies. Both endpoints ride the
// shared secure-transport dialer, so the server presents the same CA
// chain (and buffer contracts) as the broker.
type Client struct {
	dialer   *transport.Dialer
	host     string
	port     int
	deviceID string
	logger   *slog.Logger
}

func NewClient(dialer *transport.Dialer, host string, port int, deviceID string, logger *slog.Logger) *Client {
	return &Client{dialer: dialer, host: host, port: port, deviceID: deviceID, logger: logger}
}

// FetchVersion asks the server what it would serve this device.
// Body format, one value per line: version, crc32 (decimal), size.
func (c *Client) FetchVersion(ctx context.Context) (Advertised, error) {
	resp, err := c.get(ctx, "/version")
	if err != nil {
		return Advertised{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return Advertised{}, fmt.Errorf("version body: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) < 3 {
		return Advertised{}, fmt.Errorf("version body: want 3 lines, got %d", len(lines))
	}

	adv := Advertised{Version: strings.TrimSpace(lines[0])}

	checksum, err := strconv.ParseUint(strings.TrimSpace(lines[1]), 10, 32)
	if err != nil {
		return Advertised{}, fmt.Errorf("version body checksum: %w", err)
	}
	adv.Checksum = uint32(checksum)

	adv.Size, err = strconv.ParseInt(strings.TrimSpace(lines[2]), 10, 64)
	if err != nil {
		return Advertised{}, fmt.Errorf("version body size: %w", err)
	}
	if adv.Size <= 0 {
		return Advertised{}, fmt.Errorf("version body: non-positive image size %d", adv.Size)
	}
	return adv, nil
}

// FetchFirmware streams the image into w in fixed-size chunks and
// returns the byte count and running crc32 of everything written.
func (c *Client) FetchFirmware(ctx context.Context, w io.Writer) (int64, uint32, error) {
	resp, err := c.get(ctx, "/firmware")
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	sum := crc32.NewIEEE()
	buf := make([]byte, downloadChunkSize)
	n, err := io.CopyBuffer(io.MultiWriter(w, sum), resp.Body, buf)
	if err != nil {
		return n, sum.Sum32(), fmt.Errorf("firmware download: %w", err)
	}
	return n, sum.Sum32(), nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	conn, err := c.dialer.Dial(ctx, c.host, c.port)
	if err != nil {
		return nil, err
	}

	req := fmt.Sprintf("GET %s?device=%s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n",
		path, c.deviceID, c.host)
	if _, err := io.WriteString(conn, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("request %s: %w", path, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("response %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		conn.Close()
		return nil, fmt.Errorf("response %s: status %s", path, resp.Status)
	}

	// The connection closes with the body; Connection: close is the
	// framing for both endpoints.
	resp.Body = &connBody{ReadCloser: resp.Body, conn: conn}
	return resp, nil
}

type connBody struct {
	io.ReadCloser
	conn io.Closer
}

func (b *connBody) Close() error {
	err := b.ReadCloser.Close()
	if cerr := b.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
