package main

// Set via -ldflags at build time; zero values are acceptable for local builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)
