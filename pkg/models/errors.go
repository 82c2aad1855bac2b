package models

import "errors"

var (
	ErrInvalidIP      = errors.New("invalid IP address")
	ErrInvalidCIDR    = errors.New("invalid CIDR range")
	ErrInvalidRule    = errors.New("invalid rule")
	ErrRuleNotFound   = errors.New("rule not found")
	ErrEntryNotFound  = errors.New("block entry not found")
	ErrInvalidRequest = errors.New("invalid request")
)
