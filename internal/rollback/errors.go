package rollback

import coorderrors "github.com/coordcore/sessioncore/internal/errors"

// RollbackConflictError carries every conflict found while applying a
// rollback under the abort policy.
type RollbackConflictError struct {
	*coorderrors.CoordError
	Conflicts []Conflict
}

func newRollbackConflictError(conflicts []Conflict) *RollbackConflictError {
	return &RollbackConflictError{
		CoordError: coorderrors.New(coorderrors.CodeConflict, "ROLLBACK_CONFLICTS").
			WithContext(map[string]interface{}{"conflictCount": len(conflicts)}),
		Conflicts: conflicts,
	}
}

func ErrRollbackPointNotFound(id string) error {
	return coorderrors.New(coorderrors.CodeNotFound, "ROLLBACK_POINT_NOT_FOUND").
		WithContext(map[string]interface{}{"rollbackPointId": id})
}

func ErrRollbackPointExists(id string) error {
	return coorderrors.New(coorderrors.CodeAlreadyExists, "ROLLBACK_POINT_EXISTS").
		WithContext(map[string]interface{}{"rollbackPointId": id})
}

func ErrOperationNotFound(id string) error {
	return coorderrors.New(coorderrors.CodeNotFound, "OPERATION_NOT_FOUND").
		WithContext(map[string]interface{}{"operationId": id})
}

func ErrOperationCancelled(id string) error {
	return coorderrors.New(coorderrors.CodeFailedPrecondition, "OPERATION_CANCELLED").
		WithContext(map[string]interface{}{"operationId": id})
}

func ErrResolverRequired() error {
	return coorderrors.New(coorderrors.CodeInvalidArgument, "ASK_USER_RESOLVER_REQUIRED")
}
