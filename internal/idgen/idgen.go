package idgen

import (
	"errors"
	"strconv"
	"time"

	"github.com/sony/sonyflake"
)

// epoch keeps ids short; it must never move once ids are stored.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Gen hands out time-ordered message ids.
type Gen struct {
	sf *sonyflake.Sonyflake
}

// New builds a generator. machineID 0 derives the id from the host's private IPv4.
func New(machineID uint16) (*Gen, error) {
	st := sonyflake.Settings{StartTime: epoch}
	if machineID != 0 {
		st.MachineID = func() (uint16, error) { return machineID, nil }
	}
	sf := sonyflake.NewSonyflake(st)
	if sf == nil {
		return nil, errors.New("sonyflake init failed")
	}
	return &Gen{sf: sf}, nil
}

func (g *Gen) Next() (int64, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}

// NextString returns the decimal form used on the wire.
func (g *Gen) NextString() (string, error) {
	id, err := g.Next()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}
