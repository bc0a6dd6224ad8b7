package meter

import (
	"encoding/json"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"obisbridge/internal/config"
	"obisbridge/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nominalTelegram = "/EBZ5DD3BZ06ETA_107\r\n" +
	"\r\n" +
	"1-0:0.0.0*255(1EBZ0100507409)\r\n" +
	"1-0:96.1.0*255(1EBZ0100507409)\r\n" +
	"1-0:1.8.0*255(000125.25688570*kWh)\r\n" +
	"1-0:16.7.0*255(000259.20*W)\r\n" +
	"1-0:36.7.0*255(000075.18*W)\r\n" +
	"1-0:56.7.0*255(000092.34*W)\r\n" +
	"1-0:76.7.0*255(000091.68*W)\r\n" +
	"1-0:32.7.0*255(232.4*V)\r\n" +
	"1-0:52.7.0*255(231.7*V)\r\n" +
	"1-0:72.7.0*255(233.7*V)\r\n" +
	"1-0:96.5.0*255(001C0104)\r\n" +
	"0-0:96.8.0*255(00104443)\r\n" +
	"!"

func TestParseNominalTelegram(t *testing.T) {
	assert := assert.New(t)

	now := time.Now()
	values, device, err := parseTelegram(nominalTelegram, config.GridConfig{}, now)
	require.NoError(t, err)

	assert.InDelta(125.2568857, values.Energy, 1e-9)
	assert.InDelta(259.20, values.ActivePower, 1e-9)
	assert.InDelta(75.18, values.Phase1.ActivePower, 1e-9)
	assert.InDelta(92.34, values.Phase2.ActivePower, 1e-9)
	assert.InDelta(91.68, values.Phase3.ActivePower, 1e-9)
	assert.InDelta(232.4, values.Phase1.PhVoltage, 1e-9)
	assert.InDelta(231.7, values.Phase2.PhVoltage, 1e-9)
	assert.InDelta(233.7, values.Phase3.PhVoltage, 1e-9)
	assert.Equal(uint64(0x104443), values.ActiveSensorTime)
	assert.Equal(now.UnixMilli(), values.Time)

	assert.Equal("1EBZ0100507409", device.SerialNumber)
	assert.Equal("001C0104", device.Status)
	assert.Equal("107", device.FwVersion)
	assert.Equal("EasyMeter", device.Manufacturer)
	assert.Equal("DD3-BZ06-ETA-ODZ1", device.Model)
	assert.Equal(3, device.Phases)
}

func TestDerivedQuantities(t *testing.T) {
	assert := assert.New(t)

	values, _, err := parseTelegram(nominalTelegram, config.GridConfig{}, time.Now())
	require.NoError(t, err)

	// grid defaults: power factor 0.95, frequency 50 Hz
	assert.InDelta(0.95, values.PowerFactor, 1e-9)
	assert.InDelta(50.0, values.Frequency, 1e-9)
	assert.InDelta(0.95, values.Phase1.PowerFactor, 1e-9)

	assert.InDelta(272.84, values.ApparentPower, 0.01)
	assert.InDelta(85.19, values.ReactivePower, 0.01)
	assert.InDelta(232.6, values.PhVoltage, 0.001)

	assert.InDelta(0.340, values.Phase1.Current, 0.001)
	assert.InDelta(0.420, values.Phase2.Current, 0.001)
	assert.InDelta(0.413, values.Phase3.Current, 0.001)
	assert.InDelta(1.173, values.Current, 0.001)

	// pp voltage from the cyclic neighbor phase
	assert.InDelta(401.92, values.Phase1.PpVoltage, 0.01)
	assert.InDelta(403.66, values.Phase3.PpVoltage, 0.02)
	assert.InDelta(values.PpVoltage,
		(values.Phase1.PpVoltage+values.Phase2.PpVoltage+values.Phase3.PpVoltage)/3, 1e-9)
}

func TestParseMalformedLine(t *testing.T) {
	assert := assert.New(t)

	telegram := strings.Replace(nominalTelegram,
		"1-0:96.1.0*255(1EBZ0100507409)", "garbage", 1)

	_, _, err := parseTelegram(telegram, config.GridConfig{}, time.Now())
	require.Error(t, err)

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(syscall.EPROTO, fe.Code)
	assert.Equal(fault.Transient, fe.Severity())
}

func TestParseBadNumber(t *testing.T) {
	telegram := strings.Replace(nominalTelegram,
		"1-0:16.7.0*255(000259.20*W)", "1-0:16.7.0*255(not-a-number*W)", 1)

	_, _, err := parseTelegram(telegram, config.GridConfig{}, time.Now())
	require.Error(t, err)

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fault.Transient, fe.Severity())
}

func TestGridOverrides(t *testing.T) {
	assert := assert.New(t)

	grid := config.GridConfig{PowerFactor: 0.9, Frequency: 60}
	values, _, err := parseTelegram(nominalTelegram, grid, time.Now())
	require.NoError(t, err)

	assert.InDelta(0.9, values.PowerFactor, 1e-9)
	assert.InDelta(60.0, values.Frequency, 1e-9)
	assert.InDelta(259.2/0.9, values.ApparentPower, 1e-9)
}

func TestZeroVoltageYieldsZeroCurrent(t *testing.T) {
	assert := assert.New(t)

	telegram := strings.Replace(nominalTelegram,
		"1-0:32.7.0*255(232.4*V)", "1-0:32.7.0*255(0.0*V)", 1)

	values, _, err := parseTelegram(telegram, config.GridConfig{}, time.Now())
	require.NoError(t, err)
	assert.Zero(values.Phase1.Current)
	assert.Greater(values.Phase2.Current, 0.0)
}

func TestHeaderWithoutVersionSuffix(t *testing.T) {
	telegram := strings.Replace(nominalTelegram, "/EBZ5DD3BZ06ETA_107", "/XYZ", 1)

	_, device, err := parseTelegram(telegram, config.GridConfig{}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, device.FwVersion)
}

func TestValuesJSONShape(t *testing.T) {
	assert := assert.New(t)

	values, device, err := parseTelegram(nominalTelegram, config.GridConfig{}, time.Now())
	require.NoError(t, err)

	doc, err := valuesJSON(values)
	require.NoError(t, err)

	s := string(doc)
	assert.True(strings.HasPrefix(s, `{"time":`), "time is the first key")
	assert.Contains(s, `"energy":125.256886`)
	assert.Contains(s, `"active_power":259.2`)
	assert.Contains(s, `"power_factor":0.95`)
	assert.Contains(s, `"frequency":50`)
	assert.Contains(s, `"active_time":1066051`)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(doc, &decoded))
	phases, ok := decoded["phases"].([]any)
	require.True(t, ok)
	assert.Len(phases, 3)

	deviceDoc, err := deviceJSON(device)
	require.NoError(t, err)
	ds := string(deviceDoc)
	assert.True(strings.HasPrefix(ds, `{"manufacturer":"EasyMeter"`))
	assert.Contains(ds, `"serial_number":"1EBZ0100507409"`)
	assert.Contains(ds, `"firmware_version":"107"`)
	assert.Contains(ds, `"status":"001C0104"`)
}

func TestRoundTo(t *testing.T) {
	assert := assert.New(t)
	assert.InDelta(125.256886, roundTo(125.25688570, 6), 1e-12)
	assert.InDelta(272.84, roundTo(272.8421, 2), 1e-12)
	assert.InDelta(0.34, roundTo(0.34048, 3), 1e-12)
}
