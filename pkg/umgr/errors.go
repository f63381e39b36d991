package umgr

// UsageError reports a synchronous usage mistake: a closed manager,
// an empty argument list, an unknown uid, or an unimplemented
// feature (drain). It never indicates corrupted manager state.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}
