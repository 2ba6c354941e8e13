// Package quota enforces provider-imposed request ceilings: a rolling
// 60-second window (RPM) and a calendar-day counter (RPD).
//
// Counter state lives in one JSON file per provider so it survives process
// restarts, and every read-modify-write cycle runs under an advisory
// cross-process file lock. The in-memory view is never trusted across a
// mutation: each cycle re-reads the file, so independent OS processes sharing
// the state directory co-operate correctly.
//
// Day boundaries are evaluated in a fixed reference timezone
// (America/Toronto by default) so the daily counter resets exactly once per
// provider-local day regardless of where the process runs.
package quota
