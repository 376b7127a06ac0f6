package console

import (
	"fmt"
	"time"

	"github.com/ericogr/ntu-session-agent/pkg/output"
	"github.com/ericogr/ntu-session-agent/pkg/session"
)

const tsLayout = "2006-01-02T15:04:05.000Z07:00"

type ConsoleOutput struct{}

func NewConsole() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(batch session.Batch) error {
	for _, r := range batch.Readings {
		ts := time.UnixMilli(int64(r.DeviceEpochMs)).UTC().Format(tsLayout)
		fmt.Printf("%s session=%d seq=%d raw_mv=%d ntu=%.2f\n", ts, batch.SessionID, r.Seq, r.RawMilliVolts, r.NTU)
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
