package sqlite

import (
	"context"
	"fmt"

	"github.com/warp/points-engine/points"
)

// ExecForTest runs raw SQL inside a WithTx callback.
func ExecForTest(ctx context.Context, tx points.Tx, query string) error {
	ts, ok := tx.(*txStore)
	if !ok {
		return fmt.Errorf("unexpected tx type %T", tx)
	}
	_, err := ts.q.ExecContext(ctx, query)
	return err
}
