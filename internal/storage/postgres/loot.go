package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/dolcore/internal/game/loot"
)

// ErrLinkExists is returned when a mob is already linked to a template.
var ErrLinkExists = errors.New("loot link already exists")

// LootRepository stores loot templates and mob links. It is a loot.TemplateSource.
type LootRepository struct {
	db *pgxpool.Pool
}

// NewLootRepository creates a LootRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewLootRepository(db *pgxpool.Pool) *LootRepository {
	return &LootRepository{db: db}
}

// LoadLootTemplates reads every template and link. Items keep their stored
// position order; templates and links are ordered by name.
//
// Postcondition: Returns the full set or a non-nil error.
func (r *LootRepository) LoadLootTemplates(ctx context.Context) (loot.TemplateSet, error) {
	var set loot.TemplateSet

	rows, err := r.db.Query(ctx, `
		SELECT template_name, item_id, chance, count, realm
		FROM loot_templates
		ORDER BY template_name, position, item_id`)
	if err != nil {
		return loot.TemplateSet{}, fmt.Errorf("querying loot templates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var it loot.TemplateItem
		if err := rows.Scan(&name, &it.ItemID, &it.Chance, &it.Count, &it.Realm); err != nil {
			return loot.TemplateSet{}, fmt.Errorf("scanning loot template row: %w", err)
		}
		if n := len(set.Templates); n == 0 || set.Templates[n-1].Name != name {
			set.Templates = append(set.Templates, loot.LootTemplate{Name: name})
		}
		last := &set.Templates[len(set.Templates)-1]
		last.Items = append(last.Items, it)
	}
	if err := rows.Err(); err != nil {
		return loot.TemplateSet{}, fmt.Errorf("reading loot templates: %w", err)
	}

	links, err := r.db.Query(ctx, `
		SELECT mob, template_name, drop_count
		FROM mob_loot_links
		ORDER BY mob, template_name`)
	if err != nil {
		return loot.TemplateSet{}, fmt.Errorf("querying loot links: %w", err)
	}
	defer links.Close()

	for links.Next() {
		var l loot.MobLink
		if err := links.Scan(&l.Mob, &l.Template, &l.DropCount); err != nil {
			return loot.TemplateSet{}, fmt.Errorf("scanning loot link row: %w", err)
		}
		set.Links = append(set.Links, l)
	}
	if err := links.Err(); err != nil {
		return loot.TemplateSet{}, fmt.Errorf("reading loot links: %w", err)
	}
	return set, nil
}

// SaveTemplate replaces every item of t in one transaction.
//
// Precondition: t.Name must be non-empty; items must satisfy loot.TemplateSet.Validate.
// Postcondition: The stored template holds exactly t.Items in order.
func (r *LootRepository) SaveTemplate(ctx context.Context, t loot.LootTemplate) error {
	if err := (loot.TemplateSet{Templates: []loot.LootTemplate{t}}).Validate(); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM loot_templates WHERE template_name = $1`, t.Name); err != nil {
			return fmt.Errorf("clearing loot template %q: %w", t.Name, err)
		}
		for i, it := range t.Items {
			_, err := tx.Exec(ctx, `
				INSERT INTO loot_templates (template_name, item_id, chance, count, realm, position)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (template_name, item_id) DO NOTHING`,
				t.Name, it.ItemID, it.Chance, it.Count, it.Realm, i,
			)
			if err != nil {
				return fmt.Errorf("inserting loot item %q into %q: %w", it.ItemID, t.Name, err)
			}
		}
		return nil
	})
}

// DeleteTemplate removes a template and every link to it.
//
// Postcondition: Returns true if any item row was removed.
func (r *LootRepository) DeleteTemplate(ctx context.Context, name string) (bool, error) {
	var removed int64
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM loot_templates WHERE template_name = $1`, name)
		if err != nil {
			return fmt.Errorf("deleting loot template %q: %w", name, err)
		}
		removed = tag.RowsAffected()
		if _, err := tx.Exec(ctx, `DELETE FROM mob_loot_links WHERE template_name = $1`, name); err != nil {
			return fmt.Errorf("deleting links to %q: %w", name, err)
		}
		return nil
	})
	return removed > 0, err
}

// AddLink links a mob to a template.
//
// Postcondition: Returns ErrLinkExists if the pair is already linked.
func (r *LootRepository) AddLink(ctx context.Context, l loot.MobLink) error {
	if err := (loot.TemplateSet{Links: []loot.MobLink{l}}).Validate(); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO mob_loot_links (mob, template_name, drop_count)
		VALUES ($1, $2, $3)`,
		l.Mob, l.Template, l.DropCount,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrLinkExists
		}
		return fmt.Errorf("inserting loot link: %w", err)
	}
	return nil
}

// Import stores every template and link of set, replacing templates of the same
// name and skipping links that already exist.
func (r *LootRepository) Import(ctx context.Context, set loot.TemplateSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	for _, t := range set.Templates {
		if err := r.SaveTemplate(ctx, t); err != nil {
			return err
		}
	}
	for _, l := range set.Links {
		if err := r.AddLink(ctx, l); err != nil && !errors.Is(err, ErrLinkExists) {
			return err
		}
	}
	return nil
}
