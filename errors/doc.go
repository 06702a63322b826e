// Package errors provides standardized error handling for the ROS topic bridge.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid (bad
// input, drop and continue) and Fatal (stop the affected operation). The bridge
// maps its failure kinds onto these classes:
//
//   - ErrMalformedKey, ErrMalformedToken: Invalid. Keys are rejected before reaching
//     the bus; foreign tokens that fail to parse are ignored.
//   - ErrTruncatedBuffer and DecodeError: Invalid. The sample is dropped and the
//     subscription stays alive.
//   - ErrUnsupportedAlignment: Fatal. It signals an internal invariant breach in the
//     CDR reader rather than bad input.
//   - ErrHistoryUnavailable: Transient. The subscriber keeps receiving live samples.
//   - ErrSessionOpen, ErrSubscriptionCreation: Fatal for the caller that requested them.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: <cause>"
//
// For example:
//
//	if err := sess.DeclareToken(ctx, key); err != nil {
//	    return errors.WrapFatal(err, "Ledger", "Declare", "token declaration")
//	}
//
// Wrapped errors preserve the chain, so errors.Is(err, ErrMalformedKey) keeps working
// through any number of Wrap calls.
//
// # Decode Errors
//
// Message codecs report failures as *DecodeError naming the field being read:
//
//	var de *errors.DecodeError
//	if errors.As(err, &de) {
//	    logger.Warn("dropping sample", "field", de.Field, "reason", de.Reason)
//	}
package errors
