package modbus

import (
	"sync"
	"testing"
	"time"

	"obisbridge/internal/config"
	"obisbridge/internal/lifecycle"
	"obisbridge/internal/meter"

	mb "github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tcpTestPort = 15502

// Full roundtrip through the TCP server: a real modbus client reads the
// served blocks while values rotate underneath it.
func TestTCPServerEndToEnd(t *testing.T) {
	assert := assert.New(t)

	lc := lifecycle.New()
	s, err := New(config.ModbusConfig{
		TCP:            &config.ModbusTCPConfig{Listen: "127.0.0.1", Port: tcpTestPort},
		SlaveID:        1,
		RequestTimeout: 1,
		IdleTimeout:    5,
		UseFloatModel:  false,
	}, lc, zap.NewNop())
	require.NoError(t, err)
	defer func() {
		lc.Shutdown()
		s.Close()
	}()

	s.UpdateDevice(meter.Device{
		Manufacturer: "EasyMeter",
		Model:        "DD3-BZ06-ETA-ODZ1",
		SerialNumber: "1EBZ0100507409",
		FwVersion:    "107",
	})
	s.UpdateValues(nominalValues())

	client, err := mb.NewClient(&mb.ClientConfiguration{
		URL:     "tcp://127.0.0.1:15502",
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, client.SetUnitId(1))
	require.NoError(t, client.Open())
	defer client.Close()

	sid, err := client.ReadUint32(40000, mb.HOLDING_REGISTER)
	require.NoError(t, err)
	assert.Equal(uint32(0x53756e53), sid)

	// rotate values while streaming reads of the common block
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n := 0.0
		for {
			select {
			case <-stop:
				return
			default:
			}
			v := nominalValues()
			v.ActivePower = n
			s.UpdateValues(v)
			n++
		}
	}()

	for i := 0; i < 50; i++ {
		regs, err := client.ReadRegisters(40000, 69, mb.HOLDING_REGISTER)
		require.NoError(t, err)
		assert.Equal(uint16(0x5375), regs[0], "SID never changes")
		assert.Equal(uint16(0x6e53), regs[1])
		assert.Equal(uint16(1), regs[2], "common model id")
	}
	close(stop)
	wg.Wait()

	// writes are rejected with an exception
	err = client.WriteRegister(40087, 0)
	assert.Error(err)
}
