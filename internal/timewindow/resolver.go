package timewindow

// Source supplies configured windows for a user and category. Implemented by
// the preference store.
type Source interface {
	Windows(userID, category string) ([]Window, error)
}

// Resolver looks up a user's windows and applies the fallback policy: the
// "ALL" pseudo-window is dropped whenever any specific window exists, and is
// only returned when it is the sole configured window.
type Resolver struct {
	src Source
}

func NewResolver(src Source) *Resolver { return &Resolver{src: src} }

// WindowsFor returns the schedulable windows for (userID, category):
// active windows only, fallback policy applied.
func (r *Resolver) WindowsFor(userID, category string) ([]Window, error) {
	all, err := r.src.Windows(userID, category)
	if err != nil {
		return nil, err
	}

	var specific []Window
	var fallback []Window
	for _, w := range all {
		if !w.Active {
			continue
		}
		if w.IsFallback() {
			fallback = append(fallback, w)
			continue
		}
		specific = append(specific, w)
	}
	if len(specific) > 0 {
		return specific, nil
	}
	return fallback, nil
}
