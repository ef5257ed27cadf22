package wire

const maxNameLength = 255

// IsValidBusName reports whether name is a syntactically valid bus name,
// either unique (":1.42") or well-known ("org.blah").
func IsValidBusName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	unique := name[0] == ':'
	if unique {
		name = name[1:]
	}
	elements := 0
	start := 0
	for i := 0; i <= len(name); i++ {
		if i < len(name) && name[i] != '.' {
			continue
		}
		if !isValidNameElement(name[start:i], unique, true) {
			return false
		}
		elements++
		start = i + 1
	}
	return elements >= 2
}

// IsValidUniqueName reports whether name is a valid bus-assigned unique name.
func IsValidUniqueName(name string) bool {
	return IsValidBusName(name) && name[0] == ':'
}

// IsValidInterfaceName reports whether name is a valid interface or error
// name.
func IsValidInterfaceName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	elements := 0
	start := 0
	for i := 0; i <= len(name); i++ {
		if i < len(name) && name[i] != '.' {
			continue
		}
		if !isValidNameElement(name[start:i], false, false) {
			return false
		}
		elements++
		start = i + 1
	}
	return elements >= 2
}

// IsValidMemberName reports whether name is a valid method or signal name.
func IsValidMemberName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	return isValidNameElement(name, false, false)
}

// IsValidObjectPath reports whether path is a valid object path.
func IsValidObjectPath(path string) bool {
	if path == "" || path[0] != '/' {
		return false
	}
	if path == "/" {
		return true
	}
	start := 1
	for i := 1; i <= len(path); i++ {
		if i < len(path) && path[i] != '/' {
			continue
		}
		if i == start {
			return false
		}
		for _, c := range []byte(path[start:i]) {
			if !isNameChar(c, false) {
				return false
			}
		}
		start = i + 1
	}
	return path[len(path)-1] != '/'
}

func isValidNameElement(e string, digitStart, hyphen bool) bool {
	if e == "" {
		return false
	}
	for i, c := range []byte(e) {
		if !isNameChar(c, hyphen) {
			return false
		}
		if i == 0 && !digitStart && c >= '0' && c <= '9' {
			return false
		}
	}
	return true
}

func isNameChar(c byte, hyphen bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		return true
	case c == '-':
		return hyphen
	}
	return false
}
