package store

const (
	keyStateData            = "state_data"
	keyStateDataUncommitted = "state_data_uncommitted"
)

// ReadStateData returns whichever state-machine checkpoint currently wins:
// state_data_uncommitted if present, else state_data. The engine layer owns
// interpreting the bytes (including the embedded schema version); store only
// implements the precedence and promotion rules from spec §4.4/§9.
func (s *Store) ReadStateData() (raw []byte, fromUncommitted bool, err error) {
	raw, err = s.Read(TableState, keyStateDataUncommitted)
	if err == nil {
		return raw, true, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	raw, err = s.Read(TableState, keyStateData)
	if err != nil {
		return nil, false, err
	}
	return raw, false, nil
}

// WriteStateData persists raw as the current checkpoint. When uncommitted is
// true it writes to the shadow key, leaving any pre-existing state_data (an
// older schema the engine might need to roll back to) untouched.
func (s *Store) WriteStateData(raw []byte, uncommitted bool) error {
	key := keyStateData
	if uncommitted {
		key = keyStateDataUncommitted
	}
	return s.Write(TableState, key, raw)
}

// CommitStateData promotes state_data_uncommitted (if any) into state_data
// and discards the shadow key, per spec: "the uncommitted wins on read but
// is discarded on commit." A no-op if no uncommitted record exists.
func (s *Store) CommitStateData() error {
	return s.Transaction(func(tx *Tx) error {
		raw, err := tx.Read(TableState, keyStateDataUncommitted)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Write(TableState, keyStateData, raw); err != nil {
			return err
		}
		return tx.Remove(TableState, keyStateDataUncommitted)
	})
}

// ClearStateData removes both the committed and shadow checkpoint keys,
// used once the engine returns to Idle with no update in progress.
func (s *Store) ClearStateData() error {
	return s.Transaction(func(tx *Tx) error {
		if err := tx.Remove(TableState, keyStateData); err != nil {
			return err
		}
		return tx.Remove(TableState, keyStateDataUncommitted)
	})
}
