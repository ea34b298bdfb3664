// Package pending implements the confirmation engine for sensitive bot
// actions. A business handler proposes an operation with a hold time and a
// default action; a human confirms, cancels, or edits it before the hold
// elapses, or the default action is applied automatically. Operations are
// written through to durable storage on every mutation and recovered, with
// their timers re-armed, after a restart. Executors (the real side effects)
// and UI notifiers are registered by type at startup.
package pending
