// Package meter owns the serial connection to the energy meter. A single
// worker reads one OBIS telegram per cycle, parses it and hands the results
// to the configured callbacks. Consumers are wired in by the composition
// root; the meter never calls into them synchronously from its public API.
package meter

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"obisbridge/internal/config"
	"obisbridge/internal/fault"
	"obisbridge/internal/lifecycle"

	"github.com/jacobsa/go-serial/serial"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// serial reads block until bufferSize bytes arrived or 0.5s passed
	// between bytes (VMIN/VTIME)
	bufferSize            = 64
	interCharacterTimeout = 500 // milliseconds

	// upper bound of one framed telegram
	telegramSize = 368
)

const (
	AvailabilityConnected    = "connected"
	AvailabilityDisconnected = "disconnected"
)

type Meter struct {
	cfg config.MeterConfig
	lc  *lifecycle.Handler
	log *zap.Logger

	// guards the port, the caches and the callback slots
	mu             sync.Mutex
	port           io.ReadCloser
	telegram       string
	values         Values
	device         Device
	valuesDoc      []byte
	deviceDoc      []byte
	valuesCb       func(payload string, v Values)
	deviceCb       func(payload string, d Device)
	availabilityCb func(state string)

	telegramsRead uint64
	parseFailures uint64

	wg sync.WaitGroup
}

// New creates the meter and starts its worker. Callbacks registered after
// the worker produced its first telegram simply miss that cycle.
func New(cfg config.MeterConfig, lc *lifecycle.Handler, log *zap.Logger) *Meter {
	m := &Meter{
		cfg: cfg,
		lc:  lc,
		log: log.Named("meter"),
	}
	m.wg.Add(1)
	go m.runLoop()
	return m
}

// OnValues registers the per-telegram values callback.
func (m *Meter) OnValues(fn func(payload string, v Values)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valuesCb = fn
}

// OnDevice registers the per-telegram device callback. It always fires
// before the values callback of the same cycle.
func (m *Meter) OnDevice(fn func(payload string, d Device)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceCb = fn
}

// OnAvailability registers the connect/disconnect callback.
func (m *Meter) OnAvailability(fn func(state string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availabilityCb = fn
}

// ValuesJSON returns the latest values document, or nil before the first
// successful cycle.
func (m *Meter) ValuesJSON() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valuesDoc
}

// DeviceJSON returns the latest device document, or nil before the first
// successful cycle.
func (m *Meter) DeviceJSON() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceDoc
}

// Values returns the latest parsed values.
func (m *Meter) Values() Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values
}

// Stats reports how many telegrams were read and how many failed to parse.
func (m *Meter) Stats() (telegrams, parseFailures uint64) {
	return atomic.LoadUint64(&m.telegramsRead), atomic.LoadUint64(&m.parseFailures)
}

// Close waits for the worker to observe shutdown and releases the port.
func (m *Meter) Close() {
	m.wg.Wait()
	m.disconnect()
}

func (m *Meter) runLoop() {
	defer m.wg.Done()

	delay := m.cfg.ReconnectDelay.MinDelay()

	for m.lc.Running() {
		action := m.handleResult(m.tryConnect())
		if action == fault.ActionShutdown {
			break
		}
		if action == fault.ActionReconnect {
			m.log.Warn("meter disconnected, trying to reconnect",
				zap.Duration("delay", delay))
			select {
			case <-m.lc.Done():
			case <-time.After(delay):
			}
			if m.lc.Running() {
				delay = nextDelay(delay, m.cfg.ReconnectDelay)
			}
			continue
		}
		if m.cfg.ReconnectDelay.Exponential {
			delay = m.cfg.ReconnectDelay.MinDelay()
		}

		action = m.handleResult(m.readNextTelegram())
		if action == fault.ActionShutdown {
			break
		}
		if action == fault.ActionReconnect {
			continue
		}

		action = m.handleResult(m.parseAndEmit())
		if action == fault.ActionShutdown {
			break
		}
		if action == fault.ActionReconnect {
			continue
		}
	}

	m.log.Debug("meter run loop stopped")
}

// handleResult dispatches on the classified error, closing the port before
// a reconnect so tryConnect starts from scratch.
func (m *Meter) handleResult(err error) fault.Action {
	action := fault.Classify(m.log, m.lc, err)
	if action == fault.ActionReconnect {
		m.disconnect()
	}
	return action
}

func (m *Meter) tryConnect() error {
	if !m.lc.Running() {
		return fault.Stop("tryConnect")
	}

	m.mu.Lock()
	connected := m.port != nil
	m.mu.Unlock()
	if connected {
		return nil
	}

	port, err := serial.Open(serial.OpenOptions{
		PortName:              m.cfg.Device,
		BaudRate:              uint(m.cfg.Baud),
		DataBits:              uint(m.cfg.DataBits),
		StopBits:              uint(m.cfg.StopBits),
		ParityMode:            parityMode(m.cfg.Parity),
		InterCharacterTimeout: interCharacterTimeout,
		MinimumReadSize:       bufferSize,
	})
	if err != nil {
		return fault.Errno("tryConnect", "opening serial device failed", err)
	}

	if f, ok := port.(*os.File); ok {
		fd := int(f.Fd())
		if !isatty.IsTerminal(f.Fd()) {
			port.Close()
			return fault.Code(syscall.ENOTTY, "tryConnect", "device is not a tty")
		}
		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			port.Close()
			return fault.Errno("tryConnect", "failed to lock serial device", err)
		}
		if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
			port.Close()
			return fault.Errno("tryConnect", "failed to set exclusive mode", err)
		}
		if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
			port.Close()
			return fault.Errno("tryConnect", "failed to flush serial device", err)
		}
	}

	m.mu.Lock()
	m.port = port
	cb := m.availabilityCb
	m.mu.Unlock()

	m.log.Info("meter connected", zap.String("device", m.cfg.Device))
	if cb != nil {
		cb(AvailabilityConnected)
	}
	return nil
}

func (m *Meter) disconnect() {
	m.mu.Lock()
	port := m.port
	m.port = nil
	cb := m.availabilityCb
	m.mu.Unlock()

	if port == nil {
		return
	}
	port.Close()
	if cb != nil {
		cb(AvailabilityDisconnected)
	}
	m.log.Info("meter disconnected")
}

func (m *Meter) readNextTelegram() error {
	m.mu.Lock()
	port := m.port
	m.mu.Unlock()
	if port == nil {
		return fault.Code(syscall.ENOTCONN, "readTelegram", "meter not connected")
	}

	telegram, err := readTelegram(port, m.lc.Running)
	if err != nil {
		return err
	}
	atomic.AddUint64(&m.telegramsRead, 1)
	m.log.Debug("received telegram", zap.Int("len", len(telegram)))

	m.mu.Lock()
	m.telegram = telegram
	m.mu.Unlock()
	return nil
}

// readTelegram accumulates bytes from r until a complete frame arrived:
// everything before the first '/' is discarded, the frame ends with '!' and
// a two byte checksum, and it never exceeds telegramSize bytes. A read
// returning no data mid-frame is a timeout.
func readTelegram(r io.Reader, running func() bool) (string, error) {
	buf := make([]byte, bufferSize)
	packet := make([]byte, 0, telegramSize)
	begun := false
	complete := false

	for len(packet) < telegramSize && !complete {
		if !running() {
			return "", fault.Stop("readTelegram")
		}

		n, err := r.Read(buf)
		if err != nil && err != io.EOF {
			return "", fault.Errno("readTelegram", "failed to read serial device", err)
		}
		if n == 0 {
			return "", fault.Code(syscall.ETIMEDOUT, "readTelegram", "timeout during read")
		}

		for i := 0; i < n && len(packet) < telegramSize; i++ {
			c := buf[i]
			if c == '/' {
				begun = true
			}
			if begun {
				packet = append(packet, c)
				if len(packet) >= 3 && packet[len(packet)-3] == '!' {
					complete = true
					break
				}
			}
		}
	}

	if len(packet) < 3 || packet[len(packet)-3] != '!' {
		return "", fault.Code(syscall.EPROTO, "readTelegram", "telegram stream not in sync")
	}
	return string(packet), nil
}

func (m *Meter) parseAndEmit() error {
	if !m.lc.Running() {
		return fault.Stop("parseAndEmit")
	}

	m.mu.Lock()
	telegram := m.telegram
	m.mu.Unlock()
	if telegram == "" {
		return nil
	}

	values, device, err := parseTelegram(telegram, m.cfg.Grid, time.Now())
	if err != nil {
		atomic.AddUint64(&m.parseFailures, 1)
		return err
	}

	valuesDoc, err := valuesJSON(values)
	if err != nil {
		return fault.Code(syscall.EPROTO, "parseAndEmit", "encoding values: "+err.Error())
	}
	deviceDoc, err := deviceJSON(device)
	if err != nil {
		return fault.Code(syscall.EPROTO, "parseAndEmit", "encoding device: "+err.Error())
	}

	if !m.lc.Running() {
		return fault.Stop("parseAndEmit")
	}

	// commit and dispatch under the lock: device first, then values
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = values
	m.device = device
	m.valuesDoc = valuesDoc
	m.deviceDoc = deviceDoc
	if m.deviceCb != nil {
		m.deviceCb(string(deviceDoc), device)
	}
	if m.valuesCb != nil {
		m.valuesCb(string(valuesDoc), values)
	}
	return nil
}

func parityMode(p config.Parity) serial.ParityMode {
	switch p {
	case config.ParityEven:
		return serial.PARITY_EVEN
	case config.ParityOdd:
		return serial.PARITY_ODD
	default:
		return serial.PARITY_NONE
	}
}

// nextDelay advances the reconnect backoff after a failed attempt: double
// when exponential, capped at the configured maximum.
func nextDelay(cur time.Duration, cfg config.ReconnectDelayConfig) time.Duration {
	if !cfg.Exponential {
		return cur
	}
	if next := cur * 2; next < cfg.MaxDelay() {
		return next
	}
	return cfg.MaxDelay()
}
