package booking

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
)

// Alphabet for booking numbers: uppercase alphanumerics with the
// visually ambiguous O/0, I/1 and L removed.
const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NumberLength is fixed; the keyspace (~887M values) makes collisions
// astronomically rare, the retry below is belt and braces.
const NumberLength = 6

const maxAttempts = 20

// ErrNumberSpaceExhausted is returned when maxAttempts consecutive
// draws collide. In practice this indicates a broken existence check,
// not a full keyspace.
var ErrNumberSpaceExhausted = errors.New("booking: could not generate a unique number")

// Exists reports whether a candidate number is already taken.
type Exists func(ctx context.Context, number string) (bool, error)

// Generator produces short human-readable booking numbers, retrying
// until a collision-free value is found.
type Generator struct {
	Exists Exists
}

func (g *Generator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		n, err := draw()
		if err != nil {
			return "", fmt.Errorf("booking: drawing number: %w", err)
		}
		taken, err := g.Exists(ctx, n)
		if err != nil {
			return "", fmt.Errorf("booking: checking number %s: %w", n, err)
		}
		if !taken {
			return n, nil
		}
	}
	return "", ErrNumberSpaceExhausted
}

// draw produces a uniform random string over the alphabet using
// rejection sampling so no symbol is favored by modulo bias.
func draw() (string, error) {
	out := make([]byte, 0, NumberLength)
	buf := make([]byte, 16)
	// 256 % 31 != 0, so reject bytes above the largest clean multiple
	limit := byte(256 - 256%len(alphabet))
	for len(out) < NumberLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == NumberLength {
				break
			}
		}
	}
	return string(out), nil
}
