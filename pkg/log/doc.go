/*
Package log provides structured logging for fleetsync using zerolog.

Init() sets the global Logger once at process start from Config (level,
JSON vs console output, destination writer). Components pull a scoped
child logger via WithComponent, WithAgentID, or WithGroup rather than
writing to the global Logger directly, so every line carries enough
context to trace a single agent or group through intake, reconciliation,
and bundle rebuilds.
*/
package log
