package ua

// DefaultDiagnosticDepth bounds both the error fold and nested decode.
const DefaultDiagnosticDepth = 5

// StringTable collects the strings a DiagnosticInfo chain indexes into.
type StringTable struct {
	strings []string
	index   map[string]int32
}

func NewStringTable() *StringTable {
	return &StringTable{index: make(map[string]int32)}
}

// Add returns the index of s, appending it when new.
func (t *StringTable) Add(s string) int32 {
	if idx, ok := t.index[s]; ok {
		return idx
	}
	idx := int32(len(t.strings))
	t.strings = append(t.strings, s)
	t.index[s] = idx
	return idx
}

func (t *StringTable) Strings() []string {
	out := make([]string, len(t.strings))
	copy(out, t.strings)
	return out
}

// DiagnosticFromError folds err's cause chain into nested DiagnosticInfo
// records, one per level, stopping after maxDepth levels. maxDepth <= 0 uses
// DefaultDiagnosticDepth. A nil table skips symbolic ids.
func DiagnosticFromError(err error, table *StringTable, maxDepth int) *DiagnosticInfo {
	if err == nil {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultDiagnosticDepth
	}
	var root, prev *DiagnosticInfo
	for depth := 0; err != nil && depth < maxDepth; depth++ {
		d := &DiagnosticInfo{
			Mask:           DiagnosticHasAdditionalInfo,
			AdditionalInfo: err.Error(),
		}
		if table != nil {
			d.SymbolicID = table.Add(StatusOf(err).String())
			d.Mask |= DiagnosticHasSymbolicID
		}
		if prev == nil {
			root = d
		} else {
			prev.InnerStatusCode = StatusOf(err)
			prev.InnerDiagnosticInfo = d
			prev.Mask |= DiagnosticHasInnerStatusCode | DiagnosticHasInnerDiagnosticInfo
		}
		prev = d
		err = nextCause(err)
	}
	return root
}

func nextCause(err error) error {
	switch x := err.(type) {
	case *StatusError:
		return x.Cause
	case interface{ Unwrap() error }:
		return x.Unwrap()
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if e != nil {
				return e
			}
		}
	}
	return nil
}
