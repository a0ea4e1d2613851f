package relay

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/lantorrent/internal/wire"
	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, n *testNode) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", n.endpoint(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func headerFor(n *testNode, length int) *models.TransferDescriptor {
	return &models.TransferDescriptor{
		RequestID:    "raw",
		Host:         n.host,
		Port:         n.port,
		SourceLength: int64(length),
		BlockSize:    4096,
		Degree:       1,
		LocalTargets: []models.LocalTarget{{ID: "raw-1", Path: filepath.Join(n.dir, "raw.img"), Rename: true}},
		Nonce:        uuid.NewString(),
		IssuedAt:     time.Now().UTC(),
	}
}

func readReport(t *testing.T, conn net.Conn) models.Report {
	t.Helper()
	report, err := wire.ReadReport(bufio.NewReader(conn), 0)
	require.NoError(t, err)
	return report
}

func TestServerTruncatedUpstreamIsConnectionError(t *testing.T) {
	n := startNode(t, testSecret)
	conn := dial(t, n)

	require.NoError(t, wire.WriteHeader(conn, wire.NewSigner(testSecret), headerFor(n, 1000)))
	_, err := conn.Write(make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	report := readReport(t, conn)
	require.Len(t, report.Records, 1)
	assert.Equal(t, "raw-1", report.Records[0].ID)
	assert.Equal(t, models.CodeConnectionError, report.Records[0].Code)
	assert.NoFileExists(t, filepath.Join(n.dir, "raw.img"))
}

func TestServerRefusesReplayedHeader(t *testing.T) {
	n := startNode(t, testSecret)
	signer := wire.NewSigner(testSecret)
	td := headerFor(n, 100)
	body := bytes.Repeat([]byte{7}, 100)

	first := dial(t, n)
	require.NoError(t, wire.WriteHeader(first, signer, td))
	_, err := first.Write(body)
	require.NoError(t, err)
	report := readReport(t, first)
	require.Len(t, report.Records, 1)
	assert.True(t, report.Records[0].OK(), report.Records[0].Message)

	second := dial(t, n)
	require.NoError(t, wire.WriteHeader(second, signer, td))
	second.Write(body)
	report = readReport(t, second)
	require.Len(t, report.Records, 1)
	assert.Equal(t, "", report.Records[0].ID)
	assert.Equal(t, models.CodeAccessDenied, report.Records[0].Code)
	assert.Contains(t, report.Records[0].Message, "replayed")
}

func TestServerRefusesStaleHeader(t *testing.T) {
	n := startNode(t, testSecret)
	td := headerFor(n, 10)
	td.IssuedAt = time.Now().Add(-time.Hour)

	conn := dial(t, n)
	require.NoError(t, wire.WriteHeader(conn, wire.NewSigner(testSecret), td))
	report := readReport(t, conn)
	require.Len(t, report.Records, 1)
	assert.Equal(t, models.CodeAccessDenied, report.Records[0].Code)
}

func TestServerRefusesOversizedHeader(t *testing.T) {
	n := startNode(t, testSecret)
	conn := dial(t, n)

	_, err := conn.Write([]byte(strings.Repeat("x", wire.DefaultMaxHeaderLength+10) + "\n"))
	require.NoError(t, err)
	report := readReport(t, conn)
	require.Len(t, report.Records, 1)
	assert.Equal(t, models.CodeHeaderTooLong, report.Records[0].Code)
}

func TestServerRateLimit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	engine := New(Config{Logger: testLogger(), Signer: wire.NewSigner(testSecret), Self: ln.Addr().String()})
	srv := NewServer(ServerConfig{Logger: testLogger(), Engine: engine, RateLimit: 0.001, RateBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	defer func() {
		cancel()
		<-done
		srv.Close()
	}()

	n := &testNode{host: "127.0.0.1", port: ln.Addr().(*net.TCPAddr).Port, dir: t.TempDir()}

	first := dial(t, n)
	require.NoError(t, wire.WriteHeader(first, wire.NewSigner(testSecret), headerFor(n, 0)))
	report := readReport(t, first)
	require.Len(t, report.Records, 1)
	assert.True(t, report.Records[0].OK())

	second := dial(t, n)
	report = readReport(t, second)
	require.Len(t, report.Records, 1)
	assert.Equal(t, models.CodeAccessDenied, report.Records[0].Code)
	assert.Contains(t, report.Records[0].Message, "rate limit")
}
