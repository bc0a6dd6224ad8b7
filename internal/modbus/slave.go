// Package modbus serves the meter state as a SunSpec-compliant Modbus slave.
// The register space is kept in an atomically swapped copy-on-write snapshot
// so request handlers never block writers and never observe a half-written
// update. TCP serves multiple clients through the modbus library's server;
// RTU runs a single-master frame loop over the configured serial line.
package modbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"obisbridge/internal/config"
	"obisbridge/internal/fault"
	"obisbridge/internal/lifecycle"
	"obisbridge/internal/meter"
	"obisbridge/pkg/sunspec"

	mb "github.com/simonvetter/modbus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const tcpMaxClients = 16

type Slave struct {
	cfg config.ModbusConfig
	lc  *lifecycle.Handler
	log *zap.Logger

	snap          atomic.Pointer[Snapshot]
	writeMu       sync.Mutex
	deviceLatched bool

	server *mb.ModbusServer
	wg     sync.WaitGroup
}

// New builds the static SunSpec blocks and starts the configured listener.
func New(cfg config.ModbusConfig, lc *lifecycle.Handler, log *zap.Logger) (*Slave, error) {
	s := &Slave{
		cfg: cfg,
		lc:  lc,
		log: log.Named("modbus"),
	}
	s.snap.Store(s.initialSnapshot())

	if cfg.TCP != nil {
		server, err := mb.NewServer(&mb.ServerConfiguration{
			URL:        fmt.Sprintf("tcp://%s:%d", cfg.TCP.Listen, cfg.TCP.Port),
			Timeout:    time.Duration(cfg.IdleTimeout) * time.Second,
			MaxClients: tcpMaxClients,
		}, &requestHandler{s: s})
		if err != nil {
			return nil, fault.Modbus("startListener", "unable to create the modbus TCP server", err)
		}
		if err := server.Start(); err != nil {
			return nil, fault.Modbus("startListener",
				fmt.Sprintf("failed to start modbus TCP listener on '%s:%d'", cfg.TCP.Listen, cfg.TCP.Port), err)
		}
		s.server = server
		s.log.Info("started modbus TCP listener",
			zap.String("listen", cfg.TCP.Listen), zap.Int("port", cfg.TCP.Port))
		return s, nil
	}

	port, err := openRTUPort(cfg.RTU, time.Duration(cfg.RequestTimeout)*time.Second)
	if err != nil {
		return nil, fault.Errno("startListener",
			fmt.Sprintf("failed to open modbus RTU device '%s'", cfg.RTU.Device), err)
	}
	s.wg.Add(1)
	go s.runRTU(port)
	s.log.Info("started modbus RTU listener",
		zap.String("device", cfg.RTU.Device),
		zap.Int("baud", cfg.RTU.Baud),
		zap.String("parity", cfg.RTU.Parity.String()))
	return s, nil
}

// Close stops the listener and joins the workers.
func (s *Slave) Close() {
	if s.server != nil {
		if err := s.server.Stop(); err != nil {
			s.log.Warn("stopping modbus TCP server", zap.Error(err))
		}
	}
	s.wg.Wait()
	s.log.Info("stopped modbus listener")
}

// initialSnapshot lays out the static identity blocks: Common Model header,
// the selected meter model header and the end marker.
func (s *Slave) initialSnapshot() *Snapshot {
	snap := new(Snapshot)
	regs := snap.Registers()

	sunspec.PutUint32(regs, sunspec.Common.SID, sunspec.SunSpecID)
	sunspec.PutUint16(regs, sunspec.Common.ID, sunspec.CommonModelID)
	sunspec.PutUint16(regs, sunspec.Common.L, sunspec.CommonLen)
	sunspec.PutUint16(regs, sunspec.Common.DA, uint16(s.cfg.SlaveID))

	if s.cfg.UseFloatModel {
		sunspec.PutUint16(regs, sunspec.MeterFloat.ID, sunspec.MeterFloatModelID)
		sunspec.PutUint16(regs, sunspec.MeterFloat.L, sunspec.MeterFloatLen)
		sunspec.PutUint16(regs, sunspec.End.ID.WithOffset(sunspec.FloatOffset), sunspec.EndModelID)
		sunspec.PutUint16(regs, sunspec.End.L.WithOffset(sunspec.FloatOffset), 0)
	} else {
		sunspec.PutUint16(regs, sunspec.MeterInt.ID, sunspec.MeterIntModelID)
		sunspec.PutUint16(regs, sunspec.MeterInt.L, sunspec.MeterIntLen)
		sunspec.PutUint16(regs, sunspec.End.ID, sunspec.EndModelID)
		sunspec.PutUint16(regs, sunspec.End.L, 0)
	}
	return snap
}

// UpdateValues publishes a fresh snapshot carrying the measurement block.
// Callable from any goroutine; never blocks readers.
func (s *Slave) UpdateValues(v meter.Values) {
	if !s.lc.Running() {
		s.log.Debug("updateValues skipped, shutdown in progress")
		return
	}

	// the served energy unit is Wh, power factors are percent
	energyWh := v.Energy * 1e3
	pf := v.PowerFactor * 100
	pf1 := v.Phase1.PowerFactor * 100
	pf2 := v.Phase2.PowerFactor * 100
	pf3 := v.Phase3.PowerFactor * 100

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.snap.Load().clone()
	regs := next.Registers()

	if s.cfg.UseFloatModel {
		m := sunspec.MeterFloat

		sunspec.PutFloat32(regs, m.PF, pf)
		sunspec.PutFloat32(regs, m.PFPHA, pf1)
		sunspec.PutFloat32(regs, m.PFPHB, pf2)
		sunspec.PutFloat32(regs, m.PFPHC, pf3)

		sunspec.PutFloat32(regs, m.W, v.ActivePower)
		sunspec.PutFloat32(regs, m.WPHA, v.Phase1.ActivePower)
		sunspec.PutFloat32(regs, m.WPHB, v.Phase2.ActivePower)
		sunspec.PutFloat32(regs, m.WPHC, v.Phase3.ActivePower)

		sunspec.PutFloat32(regs, m.VA, v.ApparentPower)
		sunspec.PutFloat32(regs, m.VAPHA, v.Phase1.ApparentPower)
		sunspec.PutFloat32(regs, m.VAPHB, v.Phase2.ApparentPower)
		sunspec.PutFloat32(regs, m.VAPHC, v.Phase3.ApparentPower)

		sunspec.PutFloat32(regs, m.VAR, v.ReactivePower)
		sunspec.PutFloat32(regs, m.VARPHA, v.Phase1.ReactivePower)
		sunspec.PutFloat32(regs, m.VARPHB, v.Phase2.ReactivePower)
		sunspec.PutFloat32(regs, m.VARPHC, v.Phase3.ReactivePower)

		sunspec.PutFloat32(regs, m.PHV, v.PhVoltage)
		sunspec.PutFloat32(regs, m.PHVPHA, v.Phase1.PhVoltage)
		sunspec.PutFloat32(regs, m.PHVPHB, v.Phase2.PhVoltage)
		sunspec.PutFloat32(regs, m.PHVPHC, v.Phase3.PhVoltage)

		sunspec.PutFloat32(regs, m.PPV, v.PpVoltage)
		sunspec.PutFloat32(regs, m.PPVAB, v.Phase1.PpVoltage)
		sunspec.PutFloat32(regs, m.PPVBC, v.Phase2.PpVoltage)
		sunspec.PutFloat32(regs, m.PPVCA, v.Phase3.PpVoltage)

		sunspec.PutFloat32(regs, m.A, v.Current)
		sunspec.PutFloat32(regs, m.APHA, v.Phase1.Current)
		sunspec.PutFloat32(regs, m.APHB, v.Phase2.Current)
		sunspec.PutFloat32(regs, m.APHC, v.Phase3.Current)

		sunspec.PutFloat32(regs, m.TotWhImp, energyWh)
		sunspec.PutFloat32(regs, m.FREQ, v.Frequency)
	} else {
		m := sunspec.MeterInt

		sunspec.PutScaled(regs, m.PF, m.PFSF, pf, 0)
		sunspec.PutScaled(regs, m.PFPHA, m.PFSF, pf1, 0)
		sunspec.PutScaled(regs, m.PFPHB, m.PFSF, pf2, 0)
		sunspec.PutScaled(regs, m.PFPHC, m.PFSF, pf3, 0)

		sunspec.PutScaled(regs, m.W, m.WSF, v.ActivePower, 0)
		sunspec.PutScaled(regs, m.WPHA, m.WSF, v.Phase1.ActivePower, 0)
		sunspec.PutScaled(regs, m.WPHB, m.WSF, v.Phase2.ActivePower, 0)
		sunspec.PutScaled(regs, m.WPHC, m.WSF, v.Phase3.ActivePower, 0)

		sunspec.PutScaled(regs, m.VA, m.VASF, v.ApparentPower, 0)
		sunspec.PutScaled(regs, m.VAPHA, m.VASF, v.Phase1.ApparentPower, 0)
		sunspec.PutScaled(regs, m.VAPHB, m.VASF, v.Phase2.ApparentPower, 0)
		sunspec.PutScaled(regs, m.VAPHC, m.VASF, v.Phase3.ApparentPower, 0)

		sunspec.PutScaled(regs, m.VAR, m.VARSF, v.ReactivePower, 0)
		sunspec.PutScaled(regs, m.VARPHA, m.VARSF, v.Phase1.ReactivePower, 0)
		sunspec.PutScaled(regs, m.VARPHB, m.VARSF, v.Phase2.ReactivePower, 0)
		sunspec.PutScaled(regs, m.VARPHC, m.VARSF, v.Phase3.ReactivePower, 0)

		sunspec.PutScaled(regs, m.PHV, m.VSF, v.PhVoltage, 1)
		sunspec.PutScaled(regs, m.PHVPHA, m.VSF, v.Phase1.PhVoltage, 1)
		sunspec.PutScaled(regs, m.PHVPHB, m.VSF, v.Phase2.PhVoltage, 1)
		sunspec.PutScaled(regs, m.PHVPHC, m.VSF, v.Phase3.PhVoltage, 1)

		sunspec.PutScaled(regs, m.PPV, m.VSF, v.PpVoltage, 1)
		sunspec.PutScaled(regs, m.PPVAB, m.VSF, v.Phase1.PpVoltage, 1)
		sunspec.PutScaled(regs, m.PPVBC, m.VSF, v.Phase2.PpVoltage, 1)
		sunspec.PutScaled(regs, m.PPVCA, m.VSF, v.Phase3.PpVoltage, 1)

		sunspec.PutScaled(regs, m.A, m.ASF, v.Current, 3)
		sunspec.PutScaled(regs, m.APHA, m.ASF, v.Phase1.Current, 3)
		sunspec.PutScaled(regs, m.APHB, m.ASF, v.Phase2.Current, 3)
		sunspec.PutScaled(regs, m.APHC, m.ASF, v.Phase3.Current, 3)

		sunspec.PutScaledUint32(regs, m.TotWhImp, m.TotWhSF, energyWh, 1)
		sunspec.PutScaled(regs, m.FREQ, m.FREQSF, v.Frequency, 2)
	}

	s.snap.Store(next)
}

// UpdateDevice publishes the Common Model identity block. Latched: after the
// first call, later calls are no-ops.
func (s *Slave) UpdateDevice(d meter.Device) {
	if !s.lc.Running() {
		s.log.Debug("updateDevice skipped, shutdown in progress")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.deviceLatched {
		return
	}

	next := s.snap.Load().clone()
	regs := next.Registers()

	sunspec.PutString(regs, sunspec.Common.MN, d.Manufacturer)
	sunspec.PutString(regs, sunspec.Common.MD, d.Model)
	sunspec.PutString(regs, sunspec.Common.OPT, d.Options)
	sunspec.PutString(regs, sunspec.Common.VR, d.FwVersion)
	sunspec.PutString(regs, sunspec.Common.SN, d.SerialNumber)

	s.snap.Store(next)
	s.deviceLatched = true
}

// Current returns the published snapshot.
func (s *Slave) Current() *Snapshot {
	return s.snap.Load()
}

// readRegisters answers a register read against the current snapshot.
func (s *Slave) readRegisters(unitID uint8, addr, quantity uint16) ([]uint16, error) {
	if int(unitID) != s.cfg.SlaveID {
		return nil, mb.ErrGWTargetFailedToRespond
	}
	if quantity == 0 || int(addr)+int(quantity) > sunspec.RegisterCount {
		return nil, mb.ErrIllegalDataAddress
	}

	if ce := s.log.Check(zapcore.DebugLevel, "modbus reply"); ce != nil {
		start := time.Now()
		res := s.snap.Load().Read(addr, quantity)
		ce.Write(
			zap.Uint16("addr", addr),
			zap.Uint16("quantity", quantity),
			zap.Int64("micros", time.Since(start).Microseconds()),
		)
		return res, nil
	}
	return s.snap.Load().Read(addr, quantity), nil
}

// requestHandler adapts the slave onto the modbus server callback interface.
// The register space is read-only: writes and bit-level accesses are
// rejected with the illegal-function exception.
type requestHandler struct {
	s *Slave
}

func (h *requestHandler) HandleCoils(req *mb.CoilsRequest) ([]bool, error) {
	return nil, mb.ErrIllegalFunction
}

func (h *requestHandler) HandleDiscreteInputs(req *mb.DiscreteInputsRequest) ([]bool, error) {
	return nil, mb.ErrIllegalFunction
}

func (h *requestHandler) HandleHoldingRegisters(req *mb.HoldingRegistersRequest) ([]uint16, error) {
	if req.IsWrite {
		return nil, mb.ErrIllegalFunction
	}
	return h.s.readRegisters(req.UnitId, req.Addr, req.Quantity)
}

func (h *requestHandler) HandleInputRegisters(req *mb.InputRegistersRequest) ([]uint16, error) {
	return h.s.readRegisters(req.UnitId, req.Addr, req.Quantity)
}
