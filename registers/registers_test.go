package registers_test

import (
	"errors"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/hvgo/barevisor/registers"
)

func TestGetReg(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		reg  x86asm.Reg
		want func(*registers.Registers) *uint64
	}{
		{"RAX", x86asm.RAX, func(r *registers.Registers) *uint64 { return &r.RAX }},
		{"EAX", x86asm.EAX, func(r *registers.Registers) *uint64 { return &r.RAX }},
		{"RCX", x86asm.RCX, func(r *registers.Registers) *uint64 { return &r.RCX }},
		{"R15", x86asm.R15, func(r *registers.Registers) *uint64 { return &r.R15 }},
		{"RSP", x86asm.RSP, func(r *registers.Registers) *uint64 { return &r.RSP }},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			r := &registers.Registers{}

			got, err := registers.GetReg(r, test.reg)
			if err != nil {
				t.Fatal(err)
			}

			if got != test.want(r) {
				t.Errorf("GetReg(%v) pointed at the wrong field", test.reg)
			}
		})
	}
}

func TestGetRegUnsupported(t *testing.T) {
	t.Parallel()

	r := &registers.Registers{}

	_, err := registers.GetReg(r, x86asm.ES)
	if !errors.Is(err, registers.ErrUnsupportedReg) {
		t.Errorf("got %v, want ErrUnsupportedReg", err)
	}
}
