// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package pointers has helpers for optional scalar values. Limits,
// pages and total counts travel as *int so that absent and zero stay
// distinguishable.
package pointers

// IntPtr returns a pointer to the int passed as parameter
func IntPtr(d int) *int {
	return &d
}

// SafeInt returns the value from ptr or 0 if the pointer is nil
func SafeInt(ptr *int) int {
	if ptr != nil {
		return *ptr
	}
	return 0
}
