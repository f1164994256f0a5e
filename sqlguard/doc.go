// Package sqlguard validates model-generated SQL before execution.
//
// The model is untrusted. Whatever it claims about its own SQL is
// advisory at best, so every statement passes through the same pattern
// checks regardless of the declared safety flag. Two sentinel strings
// short-circuit validation: one says no query is needed to answer, the
// other carries an explicit refusal with a reason.
//
// The guard is deliberately conservative. It accepts a narrow dialect
// (one SELECT statement, bounded LIMIT) and rejects everything else,
// because the blast radius of a false negative is a write or exfil
// against production data, while a false positive just degrades one
// answer.
package sqlguard
