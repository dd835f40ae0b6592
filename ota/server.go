//go:build tinygo

package ota

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"openenterprise/bootswap"
	"openenterprise/bootswap/flash"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	defaultPort    = uint16(4242)
	rxBufSize      = 4096 + 64
	chunkBufSize   = 4096 + 64
	defaultTimeout = 10 * time.Minute
	maxSectors     = 512 // supports up to 2MB secondary images
)

// ErrHashMismatch names the failure where the received image doesn't match
// the DONE-line checksum. The session reports it over the wire as
// "ERROR hash mismatch"; no function in this package returns this value.
var ErrHashMismatch = errors.New("ota: hash mismatch")

// ServerConfig configures a Server.
type ServerConfig struct {
	Stack      *xnet.StackAsync
	Port       uint16 // 0 uses defaultPort
	Engine     *bootswap.Engine
	ImageIndex int
	Logger     *slog.Logger

	// OnSessionStart/OnSessionEnd bracket a transfer, so callers can pause
	// unrelated network users (telemetry, status LEDs) without this package
	// importing them.
	OnSessionStart func()
	OnSessionEnd   func()
}

// Server accepts a single candidate image over TCP, stages it into the
// secondary flash area for ImageIndex, and on success marks it pending via
// bootswap before rebooting into it.
type Server struct {
	cfg  ServerConfig
	port uint16

	mu         sync.Mutex
	enabled    bool
	enabledAt  time.Time
	timeout    time.Duration

	rxBuf    [rxBufSize]byte
	txBuf    [512]byte
	chunkBuf [chunkBufSize]byte
}

// NewServer builds a Server from cfg. The server starts disabled; call
// Enable to open a receive window.
func NewServer(cfg ServerConfig) *Server {
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	return &Server{cfg: cfg, port: port}
}

// Enable opens a receive window for timeout (0 uses the default 10 minutes).
func (s *Server) Enable(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout == 0 {
		timeout = defaultTimeout
	}
	s.enabled = true
	s.enabledAt = time.Now()
	s.timeout = timeout
	s.log().Info("ota:enabled", slog.String("timeout", timeout.String()))
}

// Disable closes the receive window immediately.
func (s *Server) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.log().Info("ota:disabled")
}

// IsEnabled reports whether the receive window is open, expiring it if the
// timeout has elapsed.
func (s *Server) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return false
	}
	if time.Since(s.enabledAt) > s.timeout {
		s.enabled = false
		s.log().Info("ota:timeout-expired")
		return false
	}
	return true
}

func (s *Server) log() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}

// Run runs the accept loop forever. Intended to be started with `go
// server.Run()` from main.
func (s *Server) Run() {
	logger := s.log()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ota:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             s.rxBuf[:],
		TxBuf:             s.txBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		logger.Error("ota:configure-failed", slog.String("err", err.Error()))
		return
	}

	logger.Info("ota:ready", slog.Int("port", int(s.port)))

	for {
		for !s.IsEnabled() {
			time.Sleep(500 * time.Millisecond)
		}

		logger.Info("ota:listening", slog.Int("port", int(s.port)))

		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if err := s.cfg.Stack.ListenTCP(&conn, s.port); err != nil {
			logger.Error("ota:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 && s.IsEnabled() {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}

		if !s.IsEnabled() {
			conn.Abort()
			logger.Info("ota:disabled-while-waiting")
			continue
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("ota:connected")

		func() {
			if s.cfg.OnSessionStart != nil {
				s.cfg.OnSessionStart()
			}
			defer func() {
				if r := recover(); r != nil {
					logger.Error("ota:session-panic")
				}
				if s.cfg.OnSessionEnd != nil {
					s.cfg.OnSessionEnd()
				}
			}()
			s.handleSession(&conn)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("ota:disconnected")

		s.Disable()
	}
}

// handleSession drives one image transfer: init handshake, chunked receive
// into the secondary area, hash verification, bootswap.SetPendingMulti, and
// (on success) a reboot into the newly staged partition.
func (s *Server) handleSession(conn *tcp.Conn) {
	logger := s.log()

	area, err := s.cfg.Engine.Opener.Open(mustSecondaryID(s.cfg.Engine.Pairs, s.cfg.ImageIndex))
	if err != nil {
		logger.Error("ota:secondary-unreachable", slog.String("err", err.Error()))
		return
	}
	defer area.Close()

	size, err := area.Size()
	if err != nil {
		logger.Error("ota:size-failed", slog.String("err", err.Error()))
		return
	}

	var readBuf [128]byte

	n, err := readWithTimeout(conn, readBuf[:], 10*time.Second)
	if err != nil || n < 3 || string(readBuf[:3]) != "OTA" {
		logger.Error("ota:bad-init")
		return
	}
	permanent := n > 4 && readBuf[4] == '1'

	writeStr(conn, "READY ")
	writeUint(conn, size)
	writeStr(conn, "\n")
	flush(conn)
	time.Sleep(100 * time.Millisecond)

	logger.Info("ota:target", slog.Int("image_index", s.cfg.ImageIndex), slog.Uint64("max_size", uint64(size)))

	var erasedSectors [maxSectors]bool
	var totalBytes uint32
	hasher := sha256.New()
	chunkNum := 0

	for {
		if err := readExactly(conn, readBuf[:4], 30*time.Second); err != nil {
			logger.Error("ota:read-timeout", slog.String("err", err.Error()))
			return
		}

		if string(readBuf[:4]) == "DONE" {
			n2, _ := readWithTimeout(conn, readBuf[4:], 2*time.Second)
			fullCmd := string(readBuf[:4+n2])
			expectedHash := ""
			if len(fullCmd) > 5 {
				expectedHash = trimSpace(fullCmd[5:])
			}

			actualHash := hexEncode(hasher.Sum(nil))
			logger.Info("ota:verifying", slog.Int("bytes", int(totalBytes)))
			if expectedHash != "" && expectedHash != actualHash {
				logger.Error("ota:hash-mismatch")
				writeStr(conn, "ERROR hash mismatch\n")
				flush(conn)
				return
			}

			writeStr(conn, "VERIFIED\n")
			flush(conn)
			logger.Info("ota:complete", slog.Int("bytes", int(totalBytes)), slog.Int("chunks", chunkNum))
			time.Sleep(500 * time.Millisecond)

			if err := s.cfg.Engine.SetPendingMulti(s.cfg.ImageIndex, permanent); err != nil {
				logger.Error("ota:set-pending-failed", slog.String("err", err.Error()))
				return
			}

			baseOff, err := area.BaseOff()
			if err != nil {
				logger.Error("ota:baseoff-failed", slog.String("err", err.Error()))
				return
			}
			logger.Info("ota:rebooting", slog.String("xip_addr", formatHex(XIPBase+baseOff)))
			time.Sleep(3000 * time.Millisecond)
			RebootToXIPAddr(XIPBase + baseOff)

			logger.Error("ota:reboot-failed", slog.Int("error_code", GetRebootResult()))
			return
		}

		chunkLen := binary.LittleEndian.Uint32(readBuf[:4])
		if chunkLen > uint32(len(s.chunkBuf)) {
			logger.Error("ota:chunk-too-large", slog.Int("size", int(chunkLen)))
			writeStr(conn, "ERROR chunk too large\n")
			flush(conn)
			return
		}
		if totalBytes+chunkLen > size {
			logger.Error("ota:image-too-large")
			writeStr(conn, "ERROR image too large\n")
			flush(conn)
			return
		}

		if err := readExactly(conn, s.chunkBuf[:chunkLen], 30*time.Second); err != nil {
			logger.Error("ota:chunk-read-failed", slog.Int("chunk", chunkNum), slog.String("err", err.Error()))
			return
		}
		hasher.Write(s.chunkBuf[:chunkLen])

		startSector := totalBytes / flash.RP2350SectorSize
		endSector := (totalBytes + chunkLen - 1) / flash.RP2350SectorSize
		for sector := startSector; sector <= endSector; sector++ {
			if sector >= uint32(len(erasedSectors)) || erasedSectors[sector] {
				continue
			}
			sectorOff := sector * flash.RP2350SectorSize
			if err := area.Erase(sectorOff, flash.RP2350SectorSize); err != nil {
				logger.Error("ota:erase-failed", slog.Int("sector", int(sector)), slog.String("err", err.Error()))
				writeStr(conn, "ERROR erase failed\n")
				flush(conn)
				return
			}
			erasedSectors[sector] = true
			time.Sleep(10 * time.Millisecond)
			runtime.Gosched()
		}

		if err := area.Write(totalBytes, s.chunkBuf[:chunkLen]); err != nil {
			logger.Error("ota:write-failed", slog.Int("chunk", chunkNum), slog.String("err", err.Error()))
			writeStr(conn, "ERROR write failed\n")
			flush(conn)
			return
		}

		totalBytes += chunkLen
		chunkNum++

		writeStr(conn, "ACK ")
		writeUint(conn, totalBytes)
		writeStr(conn, "\n")
		flush(conn)
		time.Sleep(20 * time.Millisecond)
		runtime.Gosched()
	}
}

func mustSecondaryID(pairs *flash.PairTable, imageIndex int) int {
	id, err := pairs.SecondaryID(imageIndex)
	if err != nil {
		return -1
	}
	return id
}

func readWithTimeout(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return 0, io.EOF
		}
		n, err := conn.Read(buf)
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return 0, errors.New("timeout")
}

func readExactly(conn *tcp.Conn, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return io.EOF
		}
		n, err := conn.Read(buf[total:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return err
		}
		if n > 0 {
			total += n
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if total < len(buf) {
		return errors.New("timeout")
	}
	return nil
}

func writeStr(conn *tcp.Conn, s string) { conn.Write([]byte(s)) }

func writeUint(conn *tcp.Conn, n uint32) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

func flush(conn *tcp.Conn) {
	conn.Flush()
	for i := 0; i < 5; i++ {
		runtime.Gosched()
	}
}

func formatHex(n uint32) string {
	const hexDigits = "0123456789abcdef"
	var buf [10]byte
	buf[0], buf[1] = '0', 'x'
	for i := 9; i >= 2; i-- {
		buf[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return string(buf[:])
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xf]
	}
	return string(out)
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
