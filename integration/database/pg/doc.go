// Package pg provides the PostgreSQL storage backend for the task engine,
// plus connection management and schema migrations.
//
// Connect establishes a pgxpool with retry logic for transient startup
// failures; Migrate applies the embedded goose migrations into the
// configured schema; NewStore wraps the pool in the storage.Storage
// contract.
//
// Atomic status transitions are single statements with data-modifying
// CTEs: the row update and the conditional audit insert commit together.
// Callers that need to join store operations into a wider transaction put
// a pgx.Tx into the context with WithTx; every store method then runs on
// that transaction.
//
// Basic usage:
//
//	cfg := pg.DefaultConfig(os.Getenv("PG_CONN_URL"))
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, logger); err != nil {
//		log.Fatal(err)
//	}
//
//	store, err := pg.NewStore(pool)
//	if err != nil {
//		log.Fatal(err)
//	}
//	eng, err := engine.New(store)
package pg
