package models

import "time"

// WOLConfig holds Wake-on-LAN configuration for a host.
type WOLConfig struct {
	MACAddress    string
	BroadcastIP   string
	Timeout       time.Duration // max time to wait for the SSH port
	PollInterval  time.Duration // how often to dial the SSH port
	StabilizeWait time.Duration // wait after the port answers
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
