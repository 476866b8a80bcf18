package blueprint

import (
	"context"
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/node"
)

// Store maps id -> blueprint under version-lock discipline. Create accepts
// only the __new__ sentinel; every other mutation requires the current
// lock and fails with PreconditionRequired when absent, Conflict when
// stale. Mutations snapshot an immutable revision.
type Store interface {
	Create(ctx context.Context, bp *Blueprint, lock string) (id, newLock string, err error)
	Get(ctx context.Context, id string) (*Blueprint, string, error)
	Put(ctx context.Context, id string, bp *Blueprint, lock string) (newLock string, err error)
	PatchNodes(ctx context.Context, id string, specs []json.RawMessage, lock string) (newLock string, err error)
	ApplyPatch(ctx context.Context, id string, patchDoc []byte, lock string) (newLock string, err error)
	Delete(ctx context.Context, id, lock string) error
	List(ctx context.Context) ([]string, error)

	Revisions(ctx context.Context, id string) ([]string, error)
	Revision(ctx context.Context, id, revID string) (*Blueprint, error)

	Favorite(ctx context.Context, userID, id string) error
	Unfavorite(ctx context.Context, userID, id string) error
	Favorites(ctx context.Context, userID string) ([]string, error)

	AddToCollection(ctx context.Context, collectionID, id string) error
	RemoveFromCollection(ctx context.Context, collectionID, id string) error
	CollectionItems(ctx context.Context, collectionID string) ([]string, error)
}

// checkLock enforces the conditional-write discipline
func checkLock(presented, current string) error {
	if presented == "" {
		return errs.New(errs.PreconditionRequired, "version lock header required")
	}
	if presented != current {
		return errs.New(errs.Conflict, "version lock does not match stored blueprint")
	}
	return nil
}

// checkCreateLock enforces the create sentinel
func checkCreateLock(presented string) error {
	if presented == "" {
		return errs.New(errs.PreconditionRequired, "version lock header required")
	}
	if presented != NewLock {
		return errs.Newf(errs.Conflict, "create requires lock %q", NewLock)
	}
	return nil
}

// nodeSpecHeader is the discriminating prefix of a node patch entry
type nodeSpecHeader struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// applyNodeSpecs applies add/update/remove node changes and re-validates
// the whole blueprint
func applyNodeSpecs(bp *Blueprint, specs []json.RawMessage) (*Blueprint, error) {
	patched, err := bp.Clone()
	if err != nil {
		return nil, err
	}

	for _, raw := range specs {
		var header nodeSpecHeader
		if err := json.Unmarshal(raw, &header); err != nil {
			return nil, errs.Wrap(errs.Validation, "invalid node spec", err)
		}
		if header.ID == "" {
			return nil, errs.New(errs.Validation, "node spec missing id")
		}

		if header.Type == DeleteType {
			removed := false
			kept := patched.Nodes[:0]
			for _, n := range patched.Nodes {
				if n.ID == header.ID {
					removed = true
					continue
				}
				kept = append(kept, n)
			}
			if !removed {
				return nil, errs.Newf(errs.NotFound, "node %q not in blueprint", header.ID)
			}
			patched.Nodes = kept
			continue
		}

		cfg := new(node.Config)
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, errs.Wrap(errs.Validation, "invalid node config", err)
		}

		replaced := false
		for i, n := range patched.Nodes {
			if n.ID == header.ID {
				patched.Nodes[i] = cfg
				replaced = true
				break
			}
		}
		if !replaced {
			patched.Nodes = append(patched.Nodes, cfg)
		}
	}

	if err := patched.Validate(); err != nil {
		return nil, err
	}
	return patched, nil
}

// applyJSONPatch applies an RFC 6902 document to the blueprint body and
// re-validates the result
func applyJSONPatch(bp *Blueprint, patchDoc []byte) (*Blueprint, error) {
	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "invalid patch document", err)
	}

	body, err := json.Marshal(bp)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal blueprint", err)
	}
	patchedBody, err := patch.Apply(body)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "patch does not apply", err)
	}

	var patched Blueprint
	if err := json.Unmarshal(patchedBody, &patched); err != nil {
		return nil, errs.Wrap(errs.Validation, "patched blueprint is malformed", err)
	}
	if err := patched.Validate(); err != nil {
		return nil, err
	}
	return &patched, nil
}
