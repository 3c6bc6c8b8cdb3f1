package agent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"masterkit/errors"
)

func TestPortPool_Hands_Out_The_Range_In_Order(t *testing.T) {
	req := require.New(t)
	pool := NewPortPool(1500, 1502)

	for _, want := range []int32{1500, 1501, 1502} {
		port, err := pool.Acquire()
		req.NoError(err)
		req.Equal(want, port)
	}

	// Then an exhausted range refuses further spawns
	_, err := pool.Acquire()
	req.ErrorIs(err, errors.ErrNoFreePorts)
}

func TestPortPool_Reuses_Released_Ports_First(t *testing.T) {
	req := require.New(t)
	pool := NewPortPool(1500, 2000)

	first, err := pool.Acquire()
	req.NoError(err)
	second, err := pool.Acquire()
	req.NoError(err)
	req.Equal(int32(1500), first)
	req.Equal(int32(1501), second)

	// When the first port is given back
	pool.Release(first)

	// Then it comes out again before the range advances
	port, err := pool.Acquire()
	req.NoError(err)
	req.Equal(first, port)
}

func TestPortPool_Single_Port_Range(t *testing.T) {
	req := require.New(t)
	pool := NewPortPool(1500, 1500)

	port, err := pool.Acquire()
	req.NoError(err)
	req.Equal(int32(1500), port)

	_, err = pool.Acquire()
	req.ErrorIs(err, errors.ErrNoFreePorts)

	pool.Release(port)
	port, err = pool.Acquire()
	req.NoError(err)
	req.Equal(int32(1500), port)
}
