package errors

// WrapOpComponent tags err with op and component. Nil stays nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), err)
}

// WrapStorage marks err as a retryable storage failure in component.
// Nil stays nil.
func WrapStorage(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return E(op, Component(component), ErrCodeStorageFailure, KindUnavailable, true, err)
}
