package hub

import (
	"sort"
	"strings"

	"github.com/shaiso/vss/internal/mq"
)

// Role — роль сессии наблюдателя.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleSeller     Role = "seller"
	RoleMonitor    Role = "monitor"
	RoleAutomation Role = "automation"
)

// Valid проверяет, что роль известна.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSupervisor, RoleSeller, RoleMonitor, RoleAutomation:
		return true
	default:
		return false
	}
}

// Поля, идентифицирующие абонента.
var callerFields = []string{"phone_number", "from", "to", "sip_username", "caller_id"}

const fieldDTMF = "dtmf_digits"

// Rule — правило доставки события роли: какие поля вырезать.
type Rule struct {
	Redact []string
}

// RolePolicy — права одной роли.
type RolePolicy struct {
	// Events — тип события или шаблон (call.*, #) → правило.
	Events map[string]Rule

	// Commands — команды, которые роль может отправлять.
	Commands []mq.MessageType
}

// Policy — скомпилированная таблица прав.
type Policy struct {
	roles map[Role]*compiledRole
}

type compiledRole struct {
	exact    map[string]Rule
	patterns []patternRule
	commands map[mq.MessageType]bool
}

type patternRule struct {
	pattern string
	rule    Rule
}

// NewPolicy компилирует таблицу. Шаблоны проверяются в порядке убывания
// специфичности (меньше wildcard-сегментов, затем длиннее), при равенстве
// лексикографически.
func NewPolicy(table map[Role]RolePolicy) *Policy {
	p := &Policy{roles: make(map[Role]*compiledRole, len(table))}

	for role, rp := range table {
		c := &compiledRole{
			exact:    make(map[string]Rule),
			commands: make(map[mq.MessageType]bool, len(rp.Commands)),
		}
		for key, rule := range rp.Events {
			rule.Redact = normalizeFields(rule.Redact)
			if isPattern(key) {
				c.patterns = append(c.patterns, patternRule{pattern: key, rule: rule})
			} else {
				c.exact[key] = rule
			}
		}
		sort.Slice(c.patterns, func(i, j int) bool {
			a, b := c.patterns[i].pattern, c.patterns[j].pattern
			wa, wb := wildcards(a), wildcards(b)
			if wa != wb {
				return wa < wb
			}
			if len(a) != len(b) {
				return len(a) > len(b)
			}
			return a < b
		})
		for _, cmd := range rp.Commands {
			c.commands[cmd] = true
		}
		p.roles[role] = c
	}
	return p
}

// Lookup возвращает правило доставки события роли.
// false — роль не получает этот тип события.
func (p *Policy) Lookup(role Role, eventType string) (Rule, bool) {
	c, ok := p.roles[role]
	if !ok {
		return Rule{}, false
	}
	if rule, ok := c.exact[eventType]; ok {
		return rule, true
	}
	for _, pr := range c.patterns {
		if matchTopic(pr.pattern, eventType) {
			return pr.rule, true
		}
	}
	return Rule{}, false
}

// CanCommand проверяет, может ли роль отправить команду.
func (p *Policy) CanCommand(role Role, cmd mq.MessageType) bool {
	c, ok := p.roles[role]
	return ok && c.commands[cmd]
}

// DefaultPolicy — таблица прав по умолчанию.
//
//	admin       все события без редактирования, все команды
//	supervisor  все события, DTMF виден, команды управления слотами
//	seller      слоты, звонки и записи без DTMF; lead и звонок
//	monitor     без данных абонента и DTMF, команд нет
//	automation  слоты, pipeline и алерты; скрипты, recovery, регистрация, fault
func DefaultPolicy() *Policy {
	all := map[string]Rule{"#": {}}
	noDTMF := Rule{Redact: []string{fieldDTMF}}
	anonymous := Rule{Redact: append(append([]string{}, callerFields...), fieldDTMF)}

	return NewPolicy(map[Role]RolePolicy{
		RoleAdmin: {
			Events:   all,
			Commands: allCommands(),
		},
		RoleSupervisor: {
			Events: all,
			Commands: []mq.MessageType{
				mq.MessageTypeGACSExecute,
				mq.MessageTypeDRPExecute,
				mq.MessageTypeSlotRegister,
				mq.MessageTypeSlotFault,
				mq.MessageTypeSlotCall,
				mq.MessageTypeStreamStart,
				mq.MessageTypeStreamStop,
				mq.MessageTypeAutodialLead,
			},
		},
		RoleSeller: {
			Events: map[string]Rule{
				"slot.*":      {},
				"call.*":      noDTMF,
				"recording.*": noDTMF,
			},
			Commands: []mq.MessageType{
				mq.MessageTypeAutodialLead,
				mq.MessageTypeSlotCall,
			},
		},
		RoleMonitor: {
			Events: map[string]Rule{
				"slot.*":       {},
				"call.*":       anonymous,
				"recording.*":  anonymous,
				"pipeline.*":   {},
				"system.alert": {},
			},
		},
		RoleAutomation: {
			Events: map[string]Rule{
				"slot.*":       {},
				"pipeline.*":   {},
				"system.alert": {},
			},
			Commands: []mq.MessageType{
				mq.MessageTypeGACSExecute,
				mq.MessageTypeDRPExecute,
				mq.MessageTypeSlotRegister,
				mq.MessageTypeSlotFault,
			},
		},
	})
}

// commandRoutes — команды, принимаемые от сессий, и их routing key в vss.commands.
var commandRoutes = map[mq.MessageType]mq.RoutingKey{
	mq.MessageTypeGACSExecute:  mq.RoutingKeyGACSExecute,
	mq.MessageTypeDRPExecute:   mq.RoutingKeyDRPExecute,
	mq.MessageTypeSlotRegister: mq.RoutingKeySlotRegister,
	mq.MessageTypeSlotFault:    mq.RoutingKeySlotFault,
	mq.MessageTypeSlotCall:     mq.RoutingKeySlotCall,
	mq.MessageTypeStreamStart:  mq.RoutingKeySlotStreamOn,
	mq.MessageTypeStreamStop:   mq.RoutingKeySlotStreamOff,
	mq.MessageTypeAutodialLead: mq.RoutingKeyAutodialLead,
}

func allCommands() []mq.MessageType {
	out := make([]mq.MessageType, 0, len(commandRoutes))
	for cmd := range commandRoutes {
		out = append(out, cmd)
	}
	return out
}

// matchTopic сопоставляет тип события с шаблоном в стиле AMQP topic:
// "*" — ровно одно слово, "#" — ноль или больше слов.
func matchTopic(pattern, eventType string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(eventType, "."))
}

func matchWords(pattern, words []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchWords(pattern[1:], words[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(words) == 0 {
				return false
			}
		default:
			if len(words) == 0 || words[0] != pattern[0] {
				return false
			}
		}
		pattern, words = pattern[1:], words[1:]
	}
	return len(words) == 0
}

func isPattern(key string) bool {
	return wildcards(key) > 0
}

func wildcards(pattern string) int {
	n := 0
	for _, w := range strings.Split(pattern, ".") {
		if w == "*" || w == "#" {
			n++
		}
	}
	return n
}

func normalizeFields(fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	out := append([]string(nil), fields...)
	sort.Strings(out)
	return out
}
