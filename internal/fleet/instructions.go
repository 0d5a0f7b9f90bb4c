package fleet

import (
	"fmt"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
)

// Instruction is a control verb sent to a device.
type Instruction string

const (
	InstrStream        Instruction = "stream"
	InstrStart         Instruction = "start"
	InstrStartRecord   Instruction = "start_record"
	InstrStop          Instruction = "stop"
	InstrPoweroff      Instruction = "poweroff"
	InstrReboot        Instruction = "reboot"
	InstrRestart       Instruction = "restart"
	InstrDumpDB        Instruction = "dumpdb"
	InstrConvertVideos Instruction = "convertvideos"
	InstrTestModule    Instruction = "test_module"
	InstrOffline       Instruction = "offline" // reserved; cannot be user-sent
)

// gracefulOperations are instructions after which a device is expected
// to drop its connection. A refused connection shortly after one of
// these is a graceful shutdown, not a failure.
var gracefulOperations = map[Instruction]bool{
	InstrPoweroff: true,
	InstrReboot:   true,
	InstrRestart:  true,
}

// userStopOperations are the instructions that classify a subsequent
// status change as user-triggered when issued recently.
var userStopOperations = map[Instruction]bool{
	InstrStop:     true,
	InstrPoweroff: true,
	InstrReboot:   true,
	InstrRestart:  true,
}

// allowedFrom maps each instruction to the statuses from which it is
// legal. The table is static; an instruction missing from it is unknown.
var allowedFrom = map[Instruction][]models.DeviceStatusName{
	InstrStream:        {models.StatusStopped},
	InstrStart:         {models.StatusStopped},
	InstrStartRecord:   {models.StatusStopped},
	InstrStop:          {models.StatusStreaming, models.StatusRunning, models.StatusRecording},
	InstrPoweroff:      {models.StatusStopped},
	InstrReboot:        {models.StatusStopped},
	InstrRestart:       {models.StatusStopped},
	InstrDumpDB:        {models.StatusStopped},
	InstrConvertVideos: {models.StatusStopped},
	InstrTestModule:    {models.StatusStopped},
	InstrOffline:       {}, // reserved: no status permits it
}

// ValidateInstruction checks the allow-table. Returns a DeviceError
// when the instruction is unknown or illegal from the current status.
func ValidateInstruction(deviceID string, instr Instruction, current models.DeviceStatusName) error {
	allowed, ok := allowedFrom[instr]
	if !ok {
		return &DeviceError{Device: deviceID, Msg: fmt.Sprintf("unknown instruction '%s'", instr)}
	}
	for _, st := range allowed {
		if st == current {
			return nil
		}
	}
	return &DeviceError{
		Device: deviceID,
		Msg:    fmt.Sprintf("Cannot send '%s' to device in status '%s'", instr, current),
	}
}
