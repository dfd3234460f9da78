package cstable

// Record is an ordered list of field occurrences. A repeated field
// occurs once per element, with the same ID.
type Record []Item

// Item is a single field occurrence within a Record. Scalar fields carry
// a Value, object fields carry a Child record.
type Item struct {
	ID    uint32
	Value Value
	Child Record
}

// Scalar returns a scalar item.
func Scalar(id uint32, v Value) Item {
	return Item{ID: id, Value: v}
}

// Object returns an object item with the given children.
func Object(id uint32, children ...Item) Item {
	return Item{ID: id, Child: children}
}

// Get returns all items with the given id, in order.
func (r Record) Get(id uint32) []Item {
	var items []Item
	for _, it := range r {
		if it.ID == id {
			items = append(items, it)
		}
	}
	return items
}

// First returns the first item with the given id.
func (r Record) First(id uint32) (Item, bool) {
	for _, it := range r {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}
