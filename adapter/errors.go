// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

// ConConfEmptyError indicates that Dial was called without a client configuration.
type ConConfEmptyError struct{}

// PublisherClosedError is returned when publishing is attempted on a closed publisher.
type PublisherClosedError struct{}

func (ConConfEmptyError) Error() string {
	return "empty client config passed, unable to dial"
}

func (PublisherClosedError) Error() string {
	return "publisher already closed, unable to provide"
}
