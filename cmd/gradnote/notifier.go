package main

import "log/slog"

// cliNotifier surfaces pipeline and queue events on the terminal and
// mirrors them into the structured log.
type cliNotifier struct{}

func (cliNotifier) Info(msg string) {
	printInfo("%s", msg)
	slog.Info(msg)
}

func (cliNotifier) Success(msg string) {
	printSuccess("%s", msg)
	slog.Info(msg)
}

func (cliNotifier) Error(msg string) {
	printError("%s", msg)
	slog.Warn(msg)
}

func (cliNotifier) ReauthRequired() {
	printWarning("session expired: set GRADNOTE_BACKEND_ACCESS_TOKEN and GRADNOTE_BACKEND_REFRESH_TOKEN to fresh values and restart")
	slog.Warn("re-authentication required")
}
