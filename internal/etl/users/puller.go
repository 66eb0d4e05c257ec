// Package users pulls the 1C operator catalog (Catalog_Пользователи) plus
// its four supporting registers -- departments, per-user department
// assignment, per-user languages, and per-user consultation limits/hours --
// and upserts cons.users, then rebuilds cons.users_skill from
// InformationRegister_КатегорииВопросовМенеджеров from scratch. Unlike the
// incremental pullers, this one always does a full catalog refresh: the
// catalog's volume is modest and incrementality isn't worth the complexity
// here.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/mapper"
	"github.com/conslink/consync/internal/odata"
)

const (
	langRUKey = "15d38cda-1812-11ef-b824-c67597d01fa8"
	langUZKey = "15d38cdb-1812-11ef-b824-c67597d01fa8"

	chatRefKeyAttr  = "cl_ref_key"
	chatEmailDomain = "@cons.local"
)

// Puller upserts cons.users and rebuilds cons.users_skill, then syncs
// newly-upserted operators into CHAT as agents.
type Puller struct {
	Pool *pgxpool.Pool
	ERP  *odata.Client
	Chat *chatclient.Client
}

type userRow struct {
	RefKey       string `json:"Ref_Key"`
	Code         string `json:"Code"`
	Description  string `json:"Description"`
	DeletionMark bool   `json:"DeletionMark"`
	Invalid      bool   `json:"Недействителен"`
	Service      bool   `json:"Служебный"`
}

type departmentRow struct {
	RefKey       string `json:"Ref_Key"`
	Description  string `json:"Description"`
	DeletionMark bool   `json:"DeletionMark"`
}

type userDeptRow struct {
	ManagerKey string `json:"Менеджер_Key"`
	DeptKey    string `json:"Отдел_Key"`
}

type userLangRow struct {
	ManagerKey string `json:"Менеджер_Key"`
	LangKey    string `json:"Язык_Key"`
}

type consultantRow struct {
	ManagerKey string `json:"Менеджер_Key"`
	Limit      string `json:"ЛимитКонсультаций"`
	StartHour  string `json:"ВремяРаботыНачало"`
	EndHour    string `json:"ВремяРаботыКонец"`
}

type skillRow struct {
	ManagerKey  string `json:"Менеджер_Key"`
	CategoryKey string `json:"КатегорияВопроса_Key"`
}

type refMaps struct {
	deptNames   map[string]string
	userDept    map[string]string
	userLangs   map[string]map[string]bool
	consultants map[string]consultantInfo
}

type consultantInfo struct {
	limit     *int
	startHour *int
	endHour   *int
}

// Run refreshes the operator catalog and skill links, then syncs eligible
// operators into CHAT (skipped when Chat is nil). It never touches the
// checkpoint store -- this feed has no sys.sync_state row, it is always an
// unconditional full pull.
func (p *Puller) Run(ctx context.Context, cfg config.Config) error {
	refs, err := p.buildReferenceMaps(ctx, cfg)
	if err != nil {
		return err
	}

	var usersRaw []userRow
	if err := p.fetchAll(ctx, cfg, "Catalog_Пользователи", "", &usersRaw); err != nil {
		return err
	}
	var skillsRaw []skillRow
	if err := p.fetchAll(ctx, cfg, "InformationRegister_КатегорииВопросовМенеджеров", "", &skillsRaw); err != nil {
		return err
	}

	inserted, updated, chatSynced := 0, 0, 0
	for _, u := range usersRaw {
		refKey := mapper.CleanUUID(u.RefKey)
		if !refKey.Valid {
			continue
		}
		if u.DeletionMark || u.Invalid || u.Service {
			continue
		}
		dept := refs.userDept[u.RefKey]
		deptName := refs.deptNames[dept]
		langs := refs.userLangs[u.RefKey]
		consultant := refs.consultants[u.RefKey]

		accountID := u.Code
		if accountID == "" {
			accountID = u.Description
		}

		isNew, existingChatwootID, err := p.upsertUser(ctx, refKey.UUID, accountID, u.Description, deptName,
			langs[langRUKey], langs[langUZKey], consultant)
		if err != nil {
			log.Error().Err(err).Str("ref_key", u.RefKey).Msg("failed to upsert user")
			continue
		}
		if isNew {
			inserted++
		} else {
			updated++
		}

		if existingChatwootID == "" && consultant.limit != nil &&
			(consultant.startHour != nil || consultant.endHour != nil) {
			if err := p.syncUserToChat(ctx, refKey.UUID, accountID, u.Description); err != nil {
				log.Error().Err(err).Str("ref_key", u.RefKey).Msg("failed to sync user to chat")
			} else {
				chatSynced++
			}
		}
	}

	skillsWritten, err := p.rebuildSkills(ctx, skillsRaw)
	if err != nil {
		return err
	}

	log.Info().Int("inserted", inserted).Int("updated", updated).Int("chat_synced", chatSynced).
		Int("skills", skillsWritten).Msg("users sync completed")
	return nil
}

func (p *Puller) buildReferenceMaps(ctx context.Context, cfg config.Config) (refMaps, error) {
	refs := refMaps{
		deptNames:   map[string]string{},
		userDept:    map[string]string{},
		userLangs:   map[string]map[string]bool{},
		consultants: map[string]consultantInfo{},
	}

	var depts []departmentRow
	if err := p.fetchAll(ctx, cfg, "Catalog_Отделы", "", &depts); err != nil {
		return refs, err
	}
	for _, d := range depts {
		if d.DeletionMark {
			continue
		}
		refs.deptNames[d.RefKey] = d.Description
	}

	var userDepts []userDeptRow
	if err := p.fetchAll(ctx, cfg, "InformationRegister_ОтделыПользователей", "", &userDepts); err != nil {
		return refs, err
	}
	for _, ud := range userDepts {
		if ud.ManagerKey != "" && ud.DeptKey != "" {
			refs.userDept[ud.ManagerKey] = ud.DeptKey
		}
	}

	var userLangs []userLangRow
	if err := p.fetchAll(ctx, cfg, "InformationRegister_ЯзыкиПользователей", "", &userLangs); err != nil {
		return refs, err
	}
	for _, ul := range userLangs {
		if ul.ManagerKey == "" || ul.LangKey == "" {
			continue
		}
		if refs.userLangs[ul.ManagerKey] == nil {
			refs.userLangs[ul.ManagerKey] = map[string]bool{}
		}
		refs.userLangs[ul.ManagerKey][ul.LangKey] = true
	}

	var consultantRows []consultantRow
	if err := p.fetchAll(ctx, cfg, "InformationRegister_СписокКонсультантовДляЗаявок", "Менеджер_Key asc,Period desc", &consultantRows); err != nil {
		return refs, err
	}
	seen := map[string]bool{}
	for _, c := range consultantRows {
		if c.ManagerKey == "" || seen[c.ManagerKey] {
			continue
		}
		seen[c.ManagerKey] = true
		info := consultantInfo{}
		if limit, err := strconv.Atoi(strings.TrimSpace(c.Limit)); err == nil {
			info.limit = &limit
		}
		info.startHour = parseHour(c.StartHour)
		info.endHour = parseHour(c.EndHour)
		refs.consultants[c.ManagerKey] = info
	}

	return refs, nil
}

func parseHour(raw string) *int {
	t := mapper.CleanDatetime(raw)
	if t == nil {
		return nil
	}
	h := t.Hour()
	return &h
}

func (p *Puller) upsertUser(ctx context.Context, refKey uuid.UUID, accountID, description, department string,
	ru, uz bool, consultant consultantInfo) (isNew bool, existingChatwootID string, err error) {

	exists := false
	if err := p.Pool.QueryRow(ctx, `SELECT chatwoot_user_id FROM cons.users WHERE ref_key = $1`, refKey).
		Scan(&existingChatwootID); err == nil {
		exists = true
	}

	_, err = p.Pool.Exec(ctx, `
		INSERT INTO cons.users (
			account_id, ref_key, description, department, con_limit,
			start_hour, end_hour, lang_ru, lang_uz, deletion_mark, invalid, consultation_enabled
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,false,true)
		ON CONFLICT (ref_key) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			description = EXCLUDED.description,
			department = EXCLUDED.department,
			con_limit = EXCLUDED.con_limit,
			start_hour = EXCLUDED.start_hour,
			end_hour = EXCLUDED.end_hour,
			lang_ru = EXCLUDED.lang_ru,
			lang_uz = EXCLUDED.lang_uz,
			deletion_mark = false,
			invalid = false,
			consultation_enabled = true
	`, accountID, refKey, description, nullIfEmpty(department), consultant.limit,
		consultant.startHour, consultant.endHour, ru, uz)
	if err != nil {
		return false, "", err
	}
	return !exists, existingChatwootID, nil
}

// syncUserToChat finds or creates the CHAT agent for one operator and
// records the link in cons.users.chatwoot_user_id and cons.user_mapping.
// Existence is checked in the order cl_ref_key custom-attribute search,
// cl_ref_key list-and-scan fallback, then email -- in that priority, so a
// changed email never produces a duplicate agent.
func (p *Puller) syncUserToChat(ctx context.Context, refKey uuid.UUID, accountID, description string) error {
	if p.Chat == nil {
		return nil
	}

	refKeyStr := refKey.String()
	email := chatEmail(accountID, description, refKeyStr)

	agent, err := p.Chat.FindUserByCustomAttribute(ctx, chatRefKeyAttr, refKeyStr)
	if err != nil {
		log.Warn().Err(err).Str("ref_key", refKeyStr).Msg("custom-attribute lookup failed, falling back to list-and-scan")
	}

	if agent == nil {
		agents, err := p.Chat.ListAllAgents(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("list-and-scan fallback failed")
		}
		for _, a := range agents {
			if a.CustomAttributes != nil && a.CustomAttributes[chatRefKeyAttr] == refKeyStr {
				found := a
				agent = &found
				break
			}
		}
	}

	if agent == nil {
		agent, err = p.Chat.FindUserByEmail(ctx, email)
		if err != nil {
			return err
		}
	}

	if agent == nil {
		name := description
		if name == "" {
			name = "User " + refKeyStr
		}
		created, err := p.Chat.CreateUser(ctx, email, name, map[string]any{chatRefKeyAttr: refKeyStr})
		if err != nil {
			var exists chatclient.AlreadyExistsError
			if !errors.As(err, &exists) {
				return err
			}
			agent, err = p.Chat.FindUserByEmail(ctx, email)
			if err != nil {
				return err
			}
			if agent == nil {
				return err
			}
		} else {
			agent = created
		}
	}

	if agent == nil || agent.ID == "" {
		return nil
	}

	if _, err := p.Pool.Exec(ctx, `UPDATE cons.users SET chatwoot_user_id = $1 WHERE ref_key = $2`,
		agent.ID, refKey); err != nil {
		return err
	}
	_, err = p.Pool.Exec(ctx, `
		INSERT INTO cons.user_mapping (chatwoot_user_id, cl_manager_key) VALUES ($1, $2)
		ON CONFLICT (chatwoot_user_id) DO UPDATE SET cl_manager_key = EXCLUDED.cl_manager_key
	`, agent.ID, refKey)
	return err
}

// chatEmail derives the deterministic CHAT email for an operator: a real
// address already present in accountID/description wins, otherwise one is
// generated from the ERP ref_key so the same operator always gets the same
// address across runs.
func chatEmail(accountID, description, refKey string) string {
	for _, candidate := range []string{accountID, description} {
		if strings.Contains(candidate, "@") {
			return strings.ToLower(strings.TrimSpace(candidate))
		}
	}
	return strings.ToLower(refKey) + chatEmailDomain
}

func (p *Puller) rebuildSkills(ctx context.Context, rows []skillRow) (int, error) {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM cons.users_skill`); err != nil {
		return 0, err
	}

	seen := map[[2]string]bool{}
	written := 0
	for _, r := range rows {
		userKey := mapper.CleanUUID(r.ManagerKey)
		categoryKey := mapper.CleanUUID(r.CategoryKey)
		if !userKey.Valid || !categoryKey.Valid {
			continue
		}
		combo := [2]string{userKey.UUID.String(), categoryKey.UUID.String()}
		if seen[combo] {
			continue
		}
		seen[combo] = true
		if _, err := tx.Exec(ctx, `INSERT INTO cons.users_skill (user_key, category_key) VALUES ($1, $2)`,
			userKey.UUID, categoryKey.UUID); err != nil {
			return written, err
		}
		written++
	}

	return written, tx.Commit(ctx)
}

// fetchAll pages an OData entity to completion; out must be a pointer to a
// slice whose element type matches the entity's JSON shape.
func (p *Puller) fetchAll(ctx context.Context, cfg config.Config, entity, orderBy string, out any) error {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	var all []json.RawMessage
	skip := 0
	for {
		url := odata.BuildURL(cfg.ODataBaseURL, odata.Query{Entity: entity, OrderBy: orderBy, Top: pageSize, Skip: skip})
		body, err := p.ERP.GetURL(ctx, url)
		if err != nil {
			return err
		}
		var resp struct {
			Value []json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		if len(resp.Value) == 0 {
			break
		}
		all = append(all, resp.Value...)
		if len(resp.Value) < pageSize {
			break
		}
		skip += pageSize
	}

	combined, err := json.Marshal(all)
	if err != nil {
		return err
	}
	return json.Unmarshal(combined, out)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
