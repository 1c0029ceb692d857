// Package resolver substitutes node-level credential references with
// decrypted value maps, immediately before dispatch. It always works on a
// deep copy: resolved secrets must never leak back into the stored graph.
package resolver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flowdeck/pulse/internal/core"
	"github.com/flowdeck/pulse/internal/secrets"
)

// ValueCipher opens stored credential payloads.
type ValueCipher interface {
	DecryptValues(payload string) (map[string]any, error)
}

// Resolver implements core.GraphResolver against a credential store and a
// cipher.
type Resolver struct {
	creds  core.CredentialStore
	cipher ValueCipher
	logger *slog.Logger
}

// New creates a resolver.
func New(creds core.CredentialStore, cipher ValueCipher, logger *slog.Logger) *Resolver {
	return &Resolver{creds: creds, cipher: cipher, logger: logger}
}

// Resolve walks every node of a copy of the graph. A node carries a
// reference when it has a credential ID but no inlined values; each
// reference is replaced with the full resolved form {id, name, type,
// values}. An unknown credential ID or a failed decryption fails the whole
// resolution: dispatching a partially resolved graph would hand the worker
// fleet a node it cannot execute.
func (r *Resolver) Resolve(ctx context.Context, graph *core.WorkflowGraph) (*core.WorkflowGraph, error) {
	resolved := graph.Clone()

	for i := range resolved.Nodes {
		node := &resolved.Nodes[i]
		if node.Credentials == nil || len(node.Credentials.Values) > 0 {
			continue
		}

		cred, err := r.creds.GetCredential(ctx, node.Credentials.ID)
		if err != nil {
			return nil, err
		}
		values, err := r.cipher.DecryptValues(cred.EncryptedPayload)
		if err != nil {
			return nil, decryptError(cred.ID, err)
		}

		node.Credentials = &core.NodeCredential{
			ID:     cred.ID,
			Name:   cred.Name,
			Type:   cred.Type,
			Values: values,
		}
		// Only the credential id reaches the log, never the values.
		r.logger.Debug("credential resolved", "credential_id", cred.ID, "node_id", node.ID)
	}

	return resolved, nil
}

func decryptError(credentialID string, cause error) error {
	code := core.CodeDecryptFailed
	msg := "credential decryption failed"
	if errors.Is(cause, secrets.ErrInvalidCiphertext) {
		code = core.CodeBadCiphertext
		msg = "credential payload is malformed"
	}
	return core.ErrCrypto(code, msg).WithCause(cause).WithDetail("credential_id", credentialID)
}
