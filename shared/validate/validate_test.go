package validate_test

import (
	"fmt"

	"github.com/canonical/vusbd/shared/validate"
)

func ExampleIsDeviceID() {
	tests := []string{
		"046d",
		"C534",
		"0000",
		"046dd", // too long
		"46d",   // too short
		"zzzz",  // not hex
		"",
	}

	for _, v := range tests {
		err := validate.IsDeviceID(v)
		fmt.Printf("%s, %t\n", v, err == nil)
	}

	// Output: 046d, true
	// C534, true
	// 0000, true
	// 046dd, false
	// 46d, false
	// zzzz, false
	// , false
}

func ExampleIsUUID() {
	tests := []string{
		"00000000-0000-0000-0000-000000000001",
		"b6a3a358-b354-4b12-a3bf-85637e8d1f27",
		"b6a3a358_b354_4b12_a3bf_85637e8d1f27", // underscores are not canonical
		"b6a3a358-b354-4b12-a3bf",              // truncated
		"",
	}

	for _, v := range tests {
		err := validate.IsUUID(v)
		fmt.Printf("%t\n", err == nil)
	}

	// Output: true
	// true
	// false
	// false
	// false
}

func ExampleOptional() {
	tests := []string{
		"",
		"foo",
		"true",
	}

	for _, v := range tests {
		f := validate.Optional(validate.IsBool)
		fmt.Printf("%t\n", f(v) == nil)
	}

	// Output: true
	// false
	// true
}

func ExampleIsUint16() {
	tests := []string{
		"0",
		"65535",
		"65536",
		"-1",
		"abc",
	}

	for _, v := range tests {
		err := validate.IsUint16(v)
		fmt.Printf("%s, %t\n", v, err == nil)
	}

	// Output: 0, true
	// 65535, true
	// 65536, false
	// -1, false
	// abc, false
}
