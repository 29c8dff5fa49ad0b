package codec

// Enumerant is one named member of an enumeration.
type Enumerant struct {
	Name  string
	Value int32
}

// EnumDefinition lists the legal members of an enumeration.
type EnumDefinition struct {
	Name    string
	Members []Enumerant
}

func NewEnumDefinition(name string, members ...Enumerant) *EnumDefinition {
	return &EnumDefinition{Name: name, Members: members}
}

func (d *EnumDefinition) Lookup(v int32) (Enumerant, bool) {
	for _, m := range d.Members {
		if m.Value == v {
			return m, true
		}
	}
	return Enumerant{}, false
}

func (d *EnumDefinition) ByName(name string) (Enumerant, bool) {
	for _, m := range d.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Enumerant{}, false
}
