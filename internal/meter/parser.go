package meter

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"obisbridge/internal/config"
	"obisbridge/internal/fault"
)

// One data line per OBIS object: "1-0:16.7.0*255(000259.20*W)".
var lineRegex = regexp.MustCompile(`^(\d-0:\d+\.\d+\.\d+\*255)\(([^)]+)\)`)

// Header line: "/EBZ5DD3BZ06ETA_107". The part after the underscore is the
// meter firmware version.
var headerRegex = regexp.MustCompile(`^/([A-Za-z0-9]+)_([A-Za-z0-9]+)$`)

// parseTelegram decodes one framed telegram into Values and Device. Any
// malformed line aborts the whole telegram with EPROTO so the read loop
// resynchronizes.
func parseTelegram(telegram string, grid config.GridConfig, now time.Time) (Values, Device, error) {
	var values Values
	device := Device{
		Manufacturer: deviceManufacturer,
		Model:        deviceModel,
		Phases:       devicePhases,
	}

	for _, line := range strings.Split(telegram, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || line[0] == '!' {
			continue
		}
		if line[0] == '/' {
			if m := headerRegex.FindStringSubmatch(line); m != nil {
				device.FwVersion = m[2]
			}
			continue
		}

		m := lineRegex.FindStringSubmatch(line)
		if m == nil {
			return values, device, fault.Code(syscall.EPROTO, "parseTelegram",
				"malformed OBIS expression ["+line+"]")
		}
		obis, raw := m[1], m[2]

		var err error
		switch obis {
		case "1-0:1.8.0*255":
			values.Energy, err = parseNumber(raw)
		case "1-0:16.7.0*255":
			values.ActivePower, err = parseNumber(raw)
		case "1-0:36.7.0*255":
			values.Phase1.ActivePower, err = parseNumber(raw)
		case "1-0:56.7.0*255":
			values.Phase2.ActivePower, err = parseNumber(raw)
		case "1-0:76.7.0*255":
			values.Phase3.ActivePower, err = parseNumber(raw)
		case "1-0:32.7.0*255":
			values.Phase1.PhVoltage, err = parseNumber(raw)
		case "1-0:52.7.0*255":
			values.Phase2.PhVoltage, err = parseNumber(raw)
		case "1-0:72.7.0*255":
			values.Phase3.PhVoltage, err = parseNumber(raw)
		case "0-0:96.8.0*255":
			values.ActiveSensorTime, err = parseHex(raw)
		case "1-0:96.1.0*255":
			device.SerialNumber = raw
		case "1-0:96.5.0*255":
			device.Status = raw
		}
		if err != nil {
			return values, device, fault.Code(syscall.EPROTO, "parseTelegram",
				"["+line+"]: "+err.Error())
		}
	}

	values.Time = now.UnixMilli()
	derive(&values, grid)

	return values, device, nil
}

// parseNumber reads a decimal value, stripping the "*unit" suffix.
func parseNumber(raw string) (float64, error) {
	if pos := strings.IndexByte(raw, '*'); pos >= 0 {
		raw = raw[:pos]
	}
	return strconv.ParseFloat(raw, 64)
}

// parseHex reads a hexadecimal counter, stripping the "*unit" suffix.
func parseHex(raw string) (uint64, error) {
	if pos := strings.IndexByte(raw, '*'); pos >= 0 {
		raw = raw[:pos]
	}
	return strconv.ParseUint(raw, 16, 64)
}

// derive fills in the quantities the meter does not report itself. Power
// factor and frequency come from the grid config; everything else follows
// from the measured voltages and active powers. Whenever a denominator is
// zero the derived value is zero.
func derive(v *Values, grid config.GridConfig) {
	v.PowerFactor = grid.PowerFactorOrDefault()
	v.Frequency = grid.FrequencyOrDefault()

	phases := [3]*Phase{&v.Phase1, &v.Phase2, &v.Phase3}
	for _, p := range phases {
		p.PowerFactor = v.PowerFactor
		p.ApparentPower = safeDiv(p.ActivePower, p.PowerFactor)
		p.ReactivePower = math.Tan(math.Acos(p.PowerFactor)) * p.ActivePower
		p.Current = safeDiv(p.ActivePower, p.PhVoltage*p.PowerFactor)
	}

	v.ApparentPower = safeDiv(v.ActivePower, v.PowerFactor)
	v.ReactivePower = math.Tan(math.Acos(v.PowerFactor)) * v.ActivePower
	v.PhVoltage = (v.Phase1.PhVoltage + v.Phase2.PhVoltage + v.Phase3.PhVoltage) / 3

	// phase-to-phase voltage from the cyclic neighbor phase
	v.Phase1.PpVoltage = ppVoltage(v.Phase1.PhVoltage, v.Phase2.PhVoltage)
	v.Phase2.PpVoltage = ppVoltage(v.Phase2.PhVoltage, v.Phase3.PhVoltage)
	v.Phase3.PpVoltage = ppVoltage(v.Phase3.PhVoltage, v.Phase1.PhVoltage)
	v.PpVoltage = (v.Phase1.PpVoltage + v.Phase2.PpVoltage + v.Phase3.PpVoltage) / 3

	v.Current = v.Phase1.Current + v.Phase2.Current + v.Phase3.Current
}

func ppVoltage(vi, vj float64) float64 {
	return math.Sqrt(vi*vi + vj*vj + vi*vj)
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// JSON documents. Field order is the wire key order.

type phasePayload struct {
	ID            int     `json:"id"`
	ActivePower   float64 `json:"active_power"`
	ApparentPower float64 `json:"apparent_power"`
	ReactivePower float64 `json:"reactive_power"`
	PowerFactor   float64 `json:"power_factor"`
	Voltage       float64 `json:"voltage"`
	PpVoltage     float64 `json:"pp_voltage"`
	Current       float64 `json:"current"`
}

type valuesPayload struct {
	Time             int64          `json:"time"`
	Energy           float64        `json:"energy"`
	ActivePower      float64        `json:"active_power"`
	ApparentPower    float64        `json:"apparent_power"`
	ReactivePower    float64        `json:"reactive_power"`
	PowerFactor      float64        `json:"power_factor"`
	Frequency        float64        `json:"frequency"`
	Voltage          float64        `json:"voltage"`
	PpVoltage        float64        `json:"pp_voltage"`
	Current          float64        `json:"current"`
	ActiveSensorTime uint64         `json:"active_time"`
	Phases           []phasePayload `json:"phases"`
}

type devicePayload struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`
	FwVersion    string `json:"firmware_version"`
	Phases       int    `json:"phases"`
	Status       string `json:"status"`
}

func valuesJSON(v Values) ([]byte, error) {
	phase := func(id int, p Phase) phasePayload {
		return phasePayload{
			ID:            id,
			ActivePower:   roundTo(p.ActivePower, 2),
			ApparentPower: roundTo(p.ApparentPower, 2),
			ReactivePower: roundTo(p.ReactivePower, 2),
			PowerFactor:   roundTo(p.PowerFactor, 2),
			Voltage:       roundTo(p.PhVoltage, 1),
			PpVoltage:     roundTo(p.PpVoltage, 1),
			Current:       roundTo(p.Current, 3),
		}
	}
	return json.Marshal(valuesPayload{
		Time:             v.Time,
		Energy:           roundTo(v.Energy, 6),
		ActivePower:      roundTo(v.ActivePower, 2),
		ApparentPower:    roundTo(v.ApparentPower, 2),
		ReactivePower:    roundTo(v.ReactivePower, 2),
		PowerFactor:      roundTo(v.PowerFactor, 2),
		Frequency:        roundTo(v.Frequency, 2),
		Voltage:          roundTo(v.PhVoltage, 1),
		PpVoltage:        roundTo(v.PpVoltage, 1),
		Current:          roundTo(v.Current, 3),
		ActiveSensorTime: v.ActiveSensorTime,
		Phases: []phasePayload{
			phase(1, v.Phase1),
			phase(2, v.Phase2),
			phase(3, v.Phase3),
		},
	})
}

func deviceJSON(d Device) ([]byte, error) {
	return json.Marshal(devicePayload{
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		SerialNumber: d.SerialNumber,
		FwVersion:    d.FwVersion,
		Phases:       d.Phases,
		Status:       d.Status,
	})
}

func roundTo(v float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(v*factor) / factor
}
