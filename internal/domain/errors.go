package domain

import "errors"

var errNonMonotoneLadder = errors.New("domain: ladder levels must be resource-monotone in memory or wall-time")
