package actuator

import (
	"slices"
	"strconv"
)

// CountsPerUnit converts degrees (or degrees per second) into the integer
// argument the controller expects.
const CountsPerUnit = 10000

// Define allow list of argument-free controller commands
var staticCommands = []string{
	"BG", // Begin motion to the last commanded position
	"ST", // Stop all motion
	"SH", // Servo here: power the motor and hold position
	"MO", // Motor off
	"TP", // Tell position
	"TS", // Tell status
}

// Commands that take a signed integer argument in counts
var argCommands = []string{
	"PA", // Absolute position target
	"PR", // Relative position target
	"SP", // Slew speed
	"AC", // Acceleration
	"DC", // Deceleration
}

// IsValidArgCommand reports whether cmd is an argument command followed by
// a signed integer, e.g. "PA450000" or "PA-25000".
func IsValidArgCommand(cmd string) bool {
	if len(cmd) < 3 || !slices.Contains(argCommands, cmd[:2]) {
		return false
	}
	_, err := strconv.ParseInt(cmd[2:], 10, 64)
	return err == nil
}

// IsAllowedCommand reports whether cmd may be sent to the controller.
func IsAllowedCommand(cmd string) bool {
	return slices.Contains(staticCommands, cmd) || IsValidArgCommand(cmd)
}
