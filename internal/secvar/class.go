package secvar

import (
	"fmt"
	"strings"
)

// KeyClass is one level of the secure boot key hierarchy.  Each class's
// authenticated update is validated against the classes enrolled before it.
type KeyClass uint8

const (
	PK KeyClass = iota + 1
	KEK
	DB
	DBX
)

// Order is the only order in which classes may be enrolled
var Order = []KeyClass{PK, KEK, DB, DBX}

func (k KeyClass) String() string {
	switch k {
	case PK:
		return "PK"
	case KEK:
		return "KEK"
	case DB:
		return "DB"
	case DBX:
		return "DBX"
	default:
		return "unknown"
	}
}

func (k KeyClass) Description() string {
	switch k {
	case PK:
		return "Platform Key"
	case KEK:
		return "Key Exchange Key"
	case DB:
		return "Authorized Signature Database"
	case DBX:
		return "Forbidden Signature Database"
	default:
		return "unknown"
	}
}

// VarName is the variable's directory name in the secvar sysfs interface
func (k KeyClass) VarName() string {
	switch k {
	case PK:
		return "PK"
	case KEK:
		return "KEK"
	case DB:
		return "db"
	case DBX:
		return "dbx"
	default:
		return ""
	}
}

func (k KeyClass) Valid() bool {
	return k >= PK && k <= DBX
}

// ParseKeyClass accepts a class name in any case
func ParseKeyClass(s string) (KeyClass, error) {
	for _, k := range Order {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown key class %q", s)
}
