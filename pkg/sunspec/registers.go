// Package sunspec holds the SunSpec register layout served by the bridge and
// the word-packing primitives for it. Addresses are absolute Modbus register
// addresses, matching the Fronius convention where the map starts at 40000.
package sunspec

// Register describes one entry of the map: its start address and how many
// consecutive 16-bit registers it spans.
type Register struct {
	Addr  uint16
	Words uint16
}

// WithOffset returns a copy of the register shifted by offset addresses.
func (r Register) WithOffset(off int) Register {
	return Register{Addr: uint16(int(r.Addr) + off), Words: r.Words}
}

// RegisterCount is the size of the served register space.
const RegisterCount = 65536

// Common Model (C001): device identity block. String registers hold two
// ASCII bytes per register, high byte first.
var Common = struct {
	SID Register // "SunS" well-known identifier
	ID  Register // always 1
	L   Register // block length, always 65
	MN  Register // manufacturer
	MD  Register // model
	OPT Register // options
	VR  Register // firmware version
	SN  Register // serial number
	DA  Register // Modbus device address
}{
	SID: Register{40000, 2},
	ID:  Register{40002, 1},
	L:   Register{40003, 1},
	MN:  Register{40004, 16},
	MD:  Register{40020, 16},
	OPT: Register{40036, 8},
	VR:  Register{40044, 8},
	SN:  Register{40052, 16},
	DA:  Register{40068, 1},
}

// CommonLen is the length announced in Common.L.
const CommonLen = 65

// CommonModelID is the value of Common.ID.
const CommonModelID = 1

// SunSpecID is the value of Common.SID ("SunS").
const SunSpecID uint32 = 0x53756e53

// MeterInt is the integer + scale factor three-phase meter model (ID 203,
// length 105). Every measurement is an int16 whose physical value is
// raw * 10^SF, except the uint32 energy accumulators.
var MeterInt = struct {
	ID Register
	L  Register

	A    Register
	APHA Register
	APHB Register
	APHC Register
	ASF  Register

	PHV    Register
	PHVPHA Register
	PHVPHB Register
	PHVPHC Register
	PPV    Register
	PPVAB  Register
	PPVBC  Register
	PPVCA  Register
	VSF    Register

	FREQ   Register
	FREQSF Register

	W    Register
	WPHA Register
	WPHB Register
	WPHC Register
	WSF  Register

	VA    Register
	VAPHA Register
	VAPHB Register
	VAPHC Register
	VASF  Register

	VAR    Register
	VARPHA Register
	VARPHB Register
	VARPHC Register
	VARSF  Register

	PF    Register
	PFPHA Register
	PFPHB Register
	PFPHC Register
	PFSF  Register

	TotWhExp Register
	TotWhImp Register
	TotWhSF  Register

	EVT Register
}{
	ID: Register{40069, 1},
	L:  Register{40070, 1},

	A:    Register{40071, 1},
	APHA: Register{40072, 1},
	APHB: Register{40073, 1},
	APHC: Register{40074, 1},
	ASF:  Register{40075, 1},

	PHV:    Register{40076, 1},
	PHVPHA: Register{40077, 1},
	PHVPHB: Register{40078, 1},
	PHVPHC: Register{40079, 1},
	PPV:    Register{40080, 1},
	PPVAB:  Register{40081, 1},
	PPVBC:  Register{40082, 1},
	PPVCA:  Register{40083, 1},
	VSF:    Register{40084, 1},

	FREQ:   Register{40085, 1},
	FREQSF: Register{40086, 1},

	W:    Register{40087, 1},
	WPHA: Register{40088, 1},
	WPHB: Register{40089, 1},
	WPHC: Register{40090, 1},
	WSF:  Register{40091, 1},

	VA:    Register{40092, 1},
	VAPHA: Register{40093, 1},
	VAPHB: Register{40094, 1},
	VAPHC: Register{40095, 1},
	VASF:  Register{40096, 1},

	VAR:    Register{40097, 1},
	VARPHA: Register{40098, 1},
	VARPHB: Register{40099, 1},
	VARPHC: Register{40100, 1},
	VARSF:  Register{40101, 1},

	PF:    Register{40102, 1},
	PFPHA: Register{40103, 1},
	PFPHB: Register{40104, 1},
	PFPHC: Register{40105, 1},
	PFSF:  Register{40106, 1},

	TotWhExp: Register{40107, 2},
	TotWhImp: Register{40115, 2},
	TotWhSF:  Register{40123, 1},

	EVT: Register{40174, 2},
}

// MeterIntModelID identifies the three-phase integer meter model.
const MeterIntModelID = 203

// MeterIntLen is the length announced in MeterInt.L.
const MeterIntLen = 105

// MeterFloat is the 32-bit float three-phase meter model (ID 213, length
// 124). Measurements are IEEE-754 floats in big-endian ABCD word order.
var MeterFloat = struct {
	ID Register
	L  Register

	A    Register
	APHA Register
	APHB Register
	APHC Register

	PHV    Register
	PHVPHA Register
	PHVPHB Register
	PHVPHC Register
	PPV    Register
	PPVAB  Register
	PPVBC  Register
	PPVCA  Register

	FREQ Register

	W    Register
	WPHA Register
	WPHB Register
	WPHC Register

	VA    Register
	VAPHA Register
	VAPHB Register
	VAPHC Register

	VAR    Register
	VARPHA Register
	VARPHB Register
	VARPHC Register

	PF    Register
	PFPHA Register
	PFPHB Register
	PFPHC Register

	TotWhExp Register
	TotWhImp Register

	EVT Register
}{
	ID: Register{40069, 1},
	L:  Register{40070, 1},

	A:    Register{40071, 2},
	APHA: Register{40073, 2},
	APHB: Register{40075, 2},
	APHC: Register{40077, 2},

	PHV:    Register{40079, 2},
	PHVPHA: Register{40081, 2},
	PHVPHB: Register{40083, 2},
	PHVPHC: Register{40085, 2},
	PPV:    Register{40087, 2},
	PPVAB:  Register{40089, 2},
	PPVBC:  Register{40091, 2},
	PPVCA:  Register{40093, 2},

	FREQ: Register{40095, 2},

	W:    Register{40097, 2},
	WPHA: Register{40099, 2},
	WPHB: Register{40101, 2},
	WPHC: Register{40103, 2},

	VA:    Register{40105, 2},
	VAPHA: Register{40107, 2},
	VAPHB: Register{40109, 2},
	VAPHC: Register{40111, 2},

	VAR:    Register{40113, 2},
	VARPHA: Register{40115, 2},
	VARPHB: Register{40117, 2},
	VARPHC: Register{40119, 2},

	PF:    Register{40121, 2},
	PFPHA: Register{40123, 2},
	PFPHB: Register{40125, 2},
	PFPHC: Register{40127, 2},

	TotWhExp: Register{40129, 2},
	TotWhImp: Register{40137, 2},

	EVT: Register{40193, 2},
}

// MeterFloatModelID identifies the three-phase float meter model.
const MeterFloatModelID = 213

// MeterFloatLen is the length announced in MeterFloat.L.
const MeterFloatLen = 124

// End marker block: ID 0xFFFF, length 0. The float model is 19 registers
// longer than the integer model, so its end marker sits FloatOffset higher.
var End = struct {
	ID Register
	L  Register
}{
	ID: Register{40176, 1},
	L:  Register{40177, 1},
}

// EndModelID is the value of End.ID.
const EndModelID = 0xFFFF

// FloatOffset shifts integer-model addresses to their float-model position.
const FloatOffset = 19
