package fleet

import (
	"strings"
	"testing"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
)

func TestValidateInstruction(t *testing.T) {
	tests := []struct {
		name    string
		instr   Instruction
		current models.DeviceStatusName
		wantErr bool
	}{
		{"start from stopped", InstrStart, models.StatusStopped, false},
		{"start while running", InstrStart, models.StatusRunning, true},
		{"stop while running", InstrStop, models.StatusRunning, false},
		{"stop while recording", InstrStop, models.StatusRecording, false},
		{"stop while streaming", InstrStop, models.StatusStreaming, false},
		{"stop while stopped", InstrStop, models.StatusStopped, true},
		{"poweroff from stopped", InstrPoweroff, models.StatusStopped, false},
		{"poweroff while running", InstrPoweroff, models.StatusRunning, true},
		{"dumpdb from stopped", InstrDumpDB, models.StatusStopped, false},
		{"offline is reserved", InstrOffline, models.StatusStopped, true},
		{"unknown instruction", Instruction("levitate"), models.StatusStopped, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateInstruction("000000000000000000000000deadbeef", tc.instr, tc.current)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateInstruction(%s, %s) error = %v, wantErr %v",
					tc.instr, tc.current, err, tc.wantErr)
			}
		})
	}
}

func TestValidateInstructionErrorMessage(t *testing.T) {
	err := ValidateInstruction("dev", InstrStart, models.StatusRunning)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Cannot send 'start'") {
		t.Fatalf("unexpected message: %v", err)
	}
}
