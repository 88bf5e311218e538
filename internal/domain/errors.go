package domain

import "errors"

var ErrJobNotFound = errors.New("backup job not found")
