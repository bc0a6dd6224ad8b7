package modbus

import (
	"encoding/binary"
	"errors"
	"io"
	"syscall"
	"time"

	"obisbridge/internal/config"
	"obisbridge/internal/fault"
	"obisbridge/pkg/sunspec"

	"github.com/goburrow/serial"
	"github.com/sigurn/crc16"
	"go.uber.org/zap"
)

// Modbus RTU request frames for the supported function codes are a fixed
// eight bytes: address, function, start, quantity, CRC.
const rtuRequestSize = 8

const (
	fcReadHoldingRegisters = 0x03
	fcReadInputRegisters   = 0x04

	exceptionIllegalFunction    = 0x01
	exceptionIllegalDataAddress = 0x02
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

func openRTUPort(cfg *config.ModbusRTUConfig, requestTimeout time.Duration) (serial.Port, error) {
	return serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   parityFlag(cfg.Parity),
		Timeout:  requestTimeout,
	})
}

// parityFlag honors the configured parity verbatim.
func parityFlag(p config.Parity) string {
	switch p {
	case config.ParityEven:
		return "E"
	case config.ParityOdd:
		return "O"
	default:
		return "N"
	}
}

// runRTU is the single-master request loop. Frames addressed to another
// slave are ignored; CRC failures discard the frame so the stream can
// resynchronize; EBADF/EIO are fatal serial errors.
func (s *Slave) runRTU(port serial.Port) {
	defer s.wg.Done()
	defer port.Close()

	idleTimeout := time.Duration(s.cfg.IdleTimeout) * time.Second
	lastActivity := time.Now()
	active := false

	for s.lc.Running() {
		frame, err := readRTUFrame(port)

		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				if active && time.Since(lastActivity) > idleTimeout {
					s.log.Info("RTU master idle, marking inactive",
						zap.Int("idle_timeout", s.cfg.IdleTimeout))
					lastActivity = time.Now()
					active = false
				}
				continue
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, syscall.EBADF) || errors.Is(err, syscall.EIO) || errors.Is(err, io.EOF) {
				fault.Classify(s.log, s.lc, fault.Code(syscall.EIO, "rtuHandler",
					"fatal serial error: "+err.Error()))
				break
			}
			s.log.Debug("RTU receive error", zap.Error(err))
			continue
		}

		resp := s.handleRTUFrame(frame)
		if resp == nil {
			continue
		}

		if !active {
			s.log.Info("RTU master connected",
				zap.Int("slave_id", s.cfg.SlaveID),
				zap.Int("request_timeout", s.cfg.RequestTimeout),
				zap.Int("idle_timeout", s.cfg.IdleTimeout))
			active = true
		}
		lastActivity = time.Now()

		if _, err := port.Write(resp); err != nil {
			s.log.Warn("RTU reply failed", zap.Error(err))
		}
	}

	s.log.Debug("modbus RTU run loop stopped")
}

// readRTUFrame accumulates one fixed-size request frame. A timeout with no
// bytes buffered is the idle case; a timeout mid-frame discards the partial
// frame and surfaces as a receive error.
func readRTUFrame(port io.Reader) ([]byte, error) {
	frame := make([]byte, 0, rtuRequestSize)
	chunk := make([]byte, rtuRequestSize)

	for len(frame) < rtuRequestSize {
		n, err := port.Read(chunk[:rtuRequestSize-len(frame)])
		frame = append(frame, chunk[:n]...)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) && len(frame) > 0 {
				return nil, errors.New("short RTU frame")
			}
			return nil, err
		}
	}
	return frame, nil
}

// handleRTUFrame validates and answers one request frame against the
// current snapshot. It returns nil when no response must be sent (other
// slave id or CRC mismatch).
func (s *Slave) handleRTUFrame(frame []byte) []byte {
	if len(frame) != rtuRequestSize {
		return nil
	}
	if int(frame[0]) != s.cfg.SlaveID {
		return nil
	}
	if binary.LittleEndian.Uint16(frame[6:8]) != crc16.Checksum(frame[:6], crcTable) {
		s.log.Debug("RTU CRC mismatch, discarding frame")
		return nil
	}

	fc := frame[1]
	if fc != fcReadHoldingRegisters && fc != fcReadInputRegisters {
		return rtuException(frame[0], fc, exceptionIllegalFunction)
	}

	addr := binary.BigEndian.Uint16(frame[2:4])
	quantity := binary.BigEndian.Uint16(frame[4:6])
	if quantity == 0 || quantity > 125 || int(addr)+int(quantity) > sunspec.RegisterCount {
		return rtuException(frame[0], fc, exceptionIllegalDataAddress)
	}

	start := time.Now()
	regs := s.snap.Load().Read(addr, quantity)

	resp := make([]byte, 0, 3+len(regs)*2+2)
	resp = append(resp, frame[0], fc, byte(len(regs)*2))
	for _, r := range regs {
		resp = append(resp, byte(r>>8), byte(r))
	}
	resp = appendCRC(resp)

	s.log.Debug("modbus reply",
		zap.Uint16("addr", addr),
		zap.Uint16("quantity", quantity),
		zap.Int64("micros", time.Since(start).Microseconds()))

	return resp
}

func rtuException(slave, fc, code byte) []byte {
	return appendCRC([]byte{slave, fc | 0x80, code})
}

func appendCRC(frame []byte) []byte {
	crc := crc16.Checksum(frame, crcTable)
	return append(frame, byte(crc), byte(crc>>8))
}
