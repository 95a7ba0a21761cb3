package main

import "time"

// GlobalFlags holds the persistent flags of every command.
type GlobalFlags struct {
	ConfigPath string
	ProjectDir string
	Registry   string
	LogLevel   string
	JSON       bool
}

// StartFlags holds flags for start and restart.
type StartFlags struct {
	Cmd         string
	Root        string
	EnableStdin bool
	PTY         bool
	Env         []string
	EnvFiles    []string
	NoWait      bool
	// Timeout applies to the stop half of restart.
	Timeout time.Duration
}

// StopFlags holds flags for stop.
type StopFlags struct {
	Force   bool
	Timeout time.Duration
	Wait    bool
}

// ListFlags holds flags for list.
type ListFlags struct {
	All bool
}

// StatusFlags holds flags for status.
type StatusFlags struct {
	Usage bool
}

// LogsFlags holds flags for logs.
type LogsFlags struct {
	Follow     bool
	Lines      int
	Since      time.Duration
	All        bool
	Types      []string
	Timestamps bool
}

// SendFlags holds flags for send.
type SendFlags struct {
	Base64    bool
	NoNewline bool
}

// WaitFlags holds flags for wait.
type WaitFlags struct {
	Until   string
	Pattern string
	Timeout time.Duration
}

// CleanFlags holds flags for clean.
type CleanFlags struct {
	Logs bool
}

// ServeFlags holds flags for serve.
type ServeFlags struct {
	Listen   string
	BasePath string
	Metrics  bool
}

// PortFlags holds flags for the port subcommands.
type PortFlags struct {
	Port int
	All  bool
}
