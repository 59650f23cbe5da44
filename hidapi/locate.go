package hidapi

// Locate walks the descriptor from the start and returns the first
// input field carrying the given usage, ignoring collection scope.
func Locate(descriptor []byte, usage Usage) (Item, bool) {
	r := NewItemReader(descriptor)
	for {
		item, ok := r.Next()
		if !ok {
			return Item{}, false
		}
		if item.Kind == ItemInput && item.Usage == usage {
			return item, true
		}
	}
}
