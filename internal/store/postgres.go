package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision,
// addresses and ids as 0x-prefixed hex.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const positionColumns = `id, owner, input_market, output_market, price_asset,
	notional::TEXT, locked_underlying::TEXT, locked_units::TEXT, strike::TEXT, expiry,
	direction, sequence, path, value_usd::TEXT, settled, created_at`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO positions (id, owner, input_market, output_market, price_asset,
			        notional, locked_underlying, locked_units, strike, expiry, direction, sequence, path,
			        value_usd, settled, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13,
			         $14::NUMERIC, FALSE, $15)
			 ON CONFLICT (id) DO NOTHING`,
			p.ID.Hex(), p.Owner.Hex(), p.InputMarket.Hex(), p.OutputMarket.Hex(), p.PriceAsset.Hex(),
			p.Notional.String(), p.Locked.String(), p.LockedUnits.String(), p.Strike.String(), p.Expiry,
			int16(p.Direction), int64(p.Sequence), string(p.Path),
			p.ValueUSD.String(), p.CreatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, p.ID.Hex())
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO position_balances (position_id, holder, balance) VALUES ($1, $2, $3::NUMERIC)`,
			p.ID.Hex(), p.Owner.Hex(), p.Notional.String())
		return err
	})
}

func (s *PostgresStore) DiscardPosition(ctx context.Context, id common.Hash) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var owner, notionalS string
		var settled bool
		err := tx.QueryRow(ctx,
			`SELECT owner, notional::TEXT, settled FROM positions WHERE id = $1 FOR UPDATE`, id.Hex()).
			Scan(&owner, &notionalS, &settled)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: position %s", model.ErrNotFound, id.Hex())
		}
		if err != nil {
			return err
		}

		var untouched bool
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) = 1 AND BOOL_AND(holder = $2 AND balance = $3::NUMERIC)
			 FROM position_balances WHERE position_id = $1`,
			id.Hex(), owner, notionalS).Scan(&untouched)
		if err != nil {
			return err
		}
		if settled || !untouched {
			return fmt.Errorf("store: position %s has moved balance, cannot discard", id.Hex())
		}
		_, err = tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id.Hex())
		return err
	})
}

func (s *PostgresStore) GetPosition(ctx context.Context, id common.Hash) (*model.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id.Hex())
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s", model.ErrNotFound, id.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id.Hex(), err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, owner common.Address) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE owner = $1 ORDER BY created_at, id`, owner.Hex())
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

func (s *PostgresStore) ListExpired(ctx context.Context, asOf time.Time) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE NOT settled AND expiry <= $1 ORDER BY created_at, id`, asOf)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

func (s *PostgresStore) NextSequence(ctx context.Context, market common.Address) (uint64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO market_sequences (market, seq) VALUES ($1, 1)
		 ON CONFLICT (market) DO UPDATE SET seq = market_sequences.seq + 1
		 RETURNING seq`, market.Hex()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", market.Hex(), err)
	}
	return uint64(seq), nil
}

func (s *PostgresStore) BalanceOf(ctx context.Context, id common.Hash, holder common.Address) (decimal.Decimal, error) {
	var balS string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM position_balances WHERE position_id = $1 AND holder = $2`,
		id.Hex(), holder.Hex()).Scan(&balS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(balS)
}

func (s *PostgresStore) Holders(ctx context.Context, id common.Hash) (map[common.Address]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT holder, balance::TEXT FROM position_balances WHERE position_id = $1 AND balance > 0`, id.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[common.Address]decimal.Decimal)
	for rows.Next() {
		var holder, balS string
		if err := rows.Scan(&holder, &balS); err != nil {
			return nil, err
		}
		out[common.HexToAddress(holder)], _ = decimal.NewFromString(balS)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transfer(ctx context.Context, id common.Hash, from, to common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: transfer amount must be positive", model.ErrValidation)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var settled bool
		err := tx.QueryRow(ctx, `SELECT settled FROM positions WHERE id = $1 FOR UPDATE`, id.Hex()).Scan(&settled)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: position %s", model.ErrNotFound, id.Hex())
		}
		if err != nil {
			return err
		}
		if settled {
			return model.ErrAlreadySettled
		}

		tag, err := tx.Exec(ctx,
			`UPDATE position_balances SET balance = balance - $3::NUMERIC
			 WHERE position_id = $1 AND holder = $2 AND balance >= $3::NUMERIC`,
			id.Hex(), from.Hex(), amount.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s cannot transfer %s", model.ErrZeroBalance, from.Hex(), amount)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM position_balances WHERE position_id = $1 AND holder = $2 AND balance = 0`,
			id.Hex(), from.Hex()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO position_balances (position_id, holder, balance) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (position_id, holder) DO UPDATE SET balance = position_balances.balance + EXCLUDED.balance`,
			id.Hex(), to.Hex(), amount.String())
		return err
	})
}

func (s *PostgresStore) SettlementPrice(ctx context.Context, id common.Hash) (decimal.Decimal, bool, error) {
	var priceS string
	err := s.pool.QueryRow(ctx,
		`SELECT price::TEXT FROM settlement_prices WHERE position_id = $1`, id.Hex()).Scan(&priceS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	price, err := decimal.NewFromString(priceS)
	return price, err == nil, err
}

func (s *PostgresStore) ApplySettlement(ctx context.Context, st *model.Settlement) (bool, error) {
	var settled bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		id := st.PositionID.Hex()
		err := tx.QueryRow(ctx, `SELECT settled FROM positions WHERE id = $1 FOR UPDATE`, id).Scan(&settled)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: position %s", model.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if settled {
			return model.ErrAlreadySettled
		}

		var balS string
		err = tx.QueryRow(ctx,
			`SELECT balance::TEXT FROM position_balances WHERE position_id = $1 AND holder = $2 FOR UPDATE`,
			id, st.Holder.Hex()).Scan(&balS)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrZeroBalance
		}
		if err != nil {
			return err
		}
		have, _ := decimal.NewFromString(balS)
		if !have.IsPositive() {
			return model.ErrZeroBalance
		}
		if !have.Equal(st.Amount) {
			return fmt.Errorf("store: holder balance %s changed, settlement burns %s", have, st.Amount)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM position_balances WHERE position_id = $1 AND holder = $2`, id, st.Holder.Hex()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO settlement_prices (position_id, price) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (position_id) DO NOTHING`, id, st.Price.String()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO settlements (position_id, holder, price, won, payout_market, amount,
			        delivered, delivered_raw, fallback, settled_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
			id, st.Holder.Hex(), st.Price.String(), st.Won, st.PayoutMarket.Hex(), st.Amount.String(),
			st.Delivered.String(), st.DeliveredRaw, st.Fallback, st.SettledAt); err != nil {
			return err
		}

		var remaining int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM position_balances WHERE position_id = $1 AND balance > 0`, id).
			Scan(&remaining); err != nil {
			return err
		}
		if remaining == 0 {
			settled = true
			_, err = tx.Exec(ctx, `UPDATE positions SET settled = TRUE WHERE id = $1`, id)
		}
		return err
	})
	return settled, err
}

func (s *PostgresStore) RevertSettlement(ctx context.Context, st *model.Settlement, dropPrice bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		id := st.PositionID.Hex()
		tag, err := tx.Exec(ctx,
			`DELETE FROM settlements WHERE seq = (
			     SELECT seq FROM settlements WHERE position_id = $1 AND holder = $2
			     ORDER BY seq DESC LIMIT 1)`, id, st.Holder.Hex())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("store: no settlement for %s by %s to revert", id, st.Holder.Hex())
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO position_balances (position_id, holder, balance) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (position_id, holder) DO UPDATE SET balance = position_balances.balance + EXCLUDED.balance`,
			id, st.Holder.Hex(), st.Amount.String()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE positions SET settled = FALSE WHERE id = $1`, id); err != nil {
			return err
		}
		if dropPrice {
			_, err = tx.Exec(ctx, `DELETE FROM settlement_prices WHERE position_id = $1`, id)
		}
		return err
	})
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, st *model.Settlement) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements SET delivered = $3::NUMERIC, delivered_raw = $4, fallback = $5
		 WHERE seq = (
		     SELECT seq FROM settlements WHERE position_id = $1 AND holder = $2
		     ORDER BY seq DESC LIMIT 1)`,
		st.PositionID.Hex(), st.Holder.Hex(), st.Delivered.String(), st.DeliveredRaw, st.Fallback)
	if err != nil {
		return fmt.Errorf("record delivery %s: %w", st.PositionID.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: settlement of %s by %s", model.ErrNotFound, st.PositionID.Hex(), st.Holder.Hex())
	}
	return nil
}

func (s *PostgresStore) ListSettlements(ctx context.Context, id common.Hash) ([]model.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position_id, holder, price::TEXT, won, payout_market, amount::TEXT,
		        delivered::TEXT, delivered_raw, fallback, settled_at
		 FROM settlements WHERE position_id = $1 ORDER BY seq`, id.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Settlement
	for rows.Next() {
		var st model.Settlement
		var pid, holder, market, priceS, amountS, deliveredS string
		if err := rows.Scan(&pid, &holder, &priceS, &st.Won, &market, &amountS,
			&deliveredS, &st.DeliveredRaw, &st.Fallback, &st.SettledAt); err != nil {
			return nil, err
		}
		st.PositionID = common.HexToHash(pid)
		st.Holder = common.HexToAddress(holder)
		st.PayoutMarket = common.HexToAddress(market)
		st.Price, _ = decimal.NewFromString(priceS)
		st.Amount, _ = decimal.NewFromString(amountS)
		st.Delivered, _ = decimal.NewFromString(deliveredS)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordLock(ctx context.Context, user, market common.Address, underlying, minted decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO vault_locked (user_addr, market, amount) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (user_addr, market) DO UPDATE SET amount = vault_locked.amount + EXCLUDED.amount`,
			user.Hex(), market.Hex(), underlying.String()); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO vault_supplied (market, supplied) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (market) DO UPDATE SET supplied = vault_supplied.supplied + EXCLUDED.supplied`,
			market.Hex(), minted.String())
		return err
	})
}

func (s *PostgresStore) AdjustSupplied(ctx context.Context, market common.Address, delta decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_supplied (market, supplied) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (market) DO UPDATE SET supplied = vault_supplied.supplied + EXCLUDED.supplied`,
		market.Hex(), delta.String())
	if err != nil {
		return fmt.Errorf("adjust supplied %s: %w", market.Hex(), err)
	}
	return nil
}

func (s *PostgresStore) VaultLedger(ctx context.Context, market common.Address) (model.VaultLedger, error) {
	var suppliedS string
	err := s.pool.QueryRow(ctx,
		`SELECT supplied::TEXT FROM vault_supplied WHERE market = $1`, market.Hex()).Scan(&suppliedS)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VaultLedger{Market: market, Supplied: decimal.Zero}, nil
	}
	if err != nil {
		return model.VaultLedger{}, err
	}
	supplied, _ := decimal.NewFromString(suppliedS)
	return model.VaultLedger{Market: market, Supplied: supplied}, nil
}

func (s *PostgresStore) LockedUnderlying(ctx context.Context, user, market common.Address) (decimal.Decimal, error) {
	var amountS string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM vault_locked WHERE user_addr = $1 AND market = $2`,
		user.Hex(), market.Hex()).Scan(&amountS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(amountS)
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var id, owner, input, output, asset, path string
	var notionalS, lockedS, unitsS, strikeS, valueS string
	var direction int16
	var seq int64

	if err := row.Scan(&id, &owner, &input, &output, &asset,
		&notionalS, &lockedS, &unitsS, &strikeS, &p.Expiry,
		&direction, &seq, &path, &valueS, &p.Settled, &p.CreatedAt); err != nil {
		return nil, err
	}

	p.ID = common.HexToHash(id)
	p.Owner = common.HexToAddress(owner)
	p.InputMarket = common.HexToAddress(input)
	p.OutputMarket = common.HexToAddress(output)
	p.PriceAsset = common.HexToAddress(asset)
	p.Notional, _ = decimal.NewFromString(notionalS)
	p.Locked, _ = decimal.NewFromString(lockedS)
	p.LockedUnits, _ = decimal.NewFromString(unitsS)
	p.Strike, _ = decimal.NewFromString(strikeS)
	p.ValueUSD, _ = decimal.NewFromString(valueS)
	p.Direction = model.Direction(direction)
	p.Sequence = uint64(seq)
	p.Path = model.EntryPath(path)
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
