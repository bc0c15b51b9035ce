// Package annotator rewrites raw incoming documents so that every leaf
// carries provenance.
//
// # Annotation
//
// A raw document arrives with a top-level source stamp describing its
// origin. Annotate detaches the stamp, hashes its canonical serialization,
// and rewrites the remaining tree:
//
//   - object fields are rewritten recursively
//   - classified arrays are rewritten element-wise, then deduplicated by
//     classification identity
//   - non-classified arrays are wrapped whole as a single leaf
//   - leaves are wrapped as {"value": x, "source": "<hash>"}
//
// Already-annotated nodes pass through unchanged, which makes annotation
// idempotent: re-ingesting an annotated document yields the same document.
// A raw source stamp is reinstated as a map from hash to stamp; a source
// already in map form is kept verbatim, and its sole stamp attributes any
// fields that arrived unannotated.
//
// # Contributor id minting
//
// Contributor documents may arrive with named contributors that carry no
// upstream identifier. MintContributorIDs derives a stable identifier from
// the display name so the same person converges across sources, attaching
// it before annotation stamps the tree.
//
// # Usage
//
//	doc, err := document.Parse(payload)
//	if err != nil {
//	    return err
//	}
//	doc = annotator.MintContributorIDs(doc)
//	annotated, err := annotator.Annotate(doc)
//	if err != nil {
//	    return err
//	}
//
// Both operations are pure: inputs are never mutated.
package annotator
