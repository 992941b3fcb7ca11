// Package all registers every mechanism shipped with gosasl.
package all

import (
	_ "github.com/mumuhhh/gosasl/sasl/anonymous"
	_ "github.com/mumuhhh/gosasl/sasl/crammd5"
	_ "github.com/mumuhhh/gosasl/sasl/digest"
	_ "github.com/mumuhhh/gosasl/sasl/external"
	_ "github.com/mumuhhh/gosasl/sasl/gsskerb"
	_ "github.com/mumuhhh/gosasl/sasl/login"
	_ "github.com/mumuhhh/gosasl/sasl/plain"
	_ "github.com/mumuhhh/gosasl/sasl/scram"
	_ "github.com/mumuhhh/gosasl/sasl/securid"
)
