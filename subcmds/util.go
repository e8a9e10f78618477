// Copyright (c) 2023 BVK Chaitanya

package subcmds

import "strings"

func splitCodes(s string) []string {
	var codes []string
	for _, code := range strings.Split(s, ",") {
		if code = strings.TrimSpace(code); len(code) > 0 {
			codes = append(codes, code)
		}
	}
	return codes
}
