// Package agent implements the completion boundary that turns a resident's
// decrypted context into one model turn. The engine talks to it through
// interfaces.CompletionClient and treats every call as a slow, cancellable,
// possibly-failing network operation.
package agent
