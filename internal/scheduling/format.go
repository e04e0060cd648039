package scheduling

import (
	"fmt"
	"strings"

	"github.com/ashureev/watchdesk/internal/domain"
)

var ptWeekdays = [...]string{"domingo", "segunda-feira", "terça-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sábado"}

var ptMonths = [...]string{"janeiro", "fevereiro", "março", "abril", "maio", "junho", "julho", "agosto", "setembro", "outubro", "novembro", "dezembro"}

// LongDate renders a YYYY-MM-DD date as "sexta-feira, 23 de janeiro de 2026".
func LongDate(date string) string {
	d, err := ParseDay(date)
	if err != nil {
		return date
	}
	return fmt.Sprintf("%s, %d de %s de %d", ptWeekdays[d.Weekday()], d.Day(), ptMonths[d.Month()-1], d.Year())
}

// DayMonth renders a date as "23 de janeiro".
func DayMonth(date string) string {
	d, err := ParseDay(date)
	if err != nil {
		return date
	}
	return fmt.Sprintf("%d de %s", d.Day(), ptMonths[d.Month()-1])
}

// WeekdayName returns the pt-BR weekday of a date.
func WeekdayName(date string) string {
	d, err := ParseDay(date)
	if err != nil {
		return ""
	}
	return ptWeekdays[d.Weekday()]
}

// Period names the part of the day a slot falls in.
func Period(clock string) string {
	switch h := slotHour(clock); {
	case h < 12:
		return "(manhã)"
	case h < 18:
		return "(tarde)"
	default:
		return "(noite)"
	}
}

// OfferMessage lists freshly found slots without showing capacity.
func OfferMessage(slots []Slot, date string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ótimo! Para %s, %s, temos:\n\n", WeekdayName(date), DayMonth(date))
	for _, s := range slots {
		fmt.Fprintf(&b, "• %s %s\n", s.Time, Period(s.Time))
	}
	b.WriteString("\nQual horário funciona melhor para você?")
	return b.String()
}

// SlotsMessage is the numbered slot list used when re-asking for a time.
func SlotsMessage(slots []Slot, date string) string {
	if len(slots) == 0 {
		return "Desculpe, não temos horários disponíveis para esta data. 😔\n\nGostaria de escolher outra data?"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📅 *Horários disponíveis* (%s):\n\n", LongDate(date))
	for i, s := range slots {
		icon := "🟡"
		switch {
		case s.Booked == 0:
			icon = "✅"
		case s.Percentage < 50:
			icon = "🟢"
		}
		fmt.Fprintf(&b, "%d. %s *%s* (%d vagas)\n", i+1, icon, s.Time, s.Remaining())
	}
	b.WriteString("\nEscolha um horário pelo número ou digite o horário desejado.")
	return b.String()
}

// NoSlotsMessage tells the customer a day is fully booked.
func NoSlotsMessage(date string) string {
	return fmt.Sprintf("Infelizmente não temos horários disponíveis para %s. 😔\n\nPoderia escolher outro dia?", DayMonth(date))
}

// CustomerConfirmation is sent to the customer after a successful booking.
func CustomerConfirmation(a *domain.Appointment) string {
	var b strings.Builder
	b.WriteString("✅ *Agendamento Confirmado*\n\n")
	fmt.Fprintf(&b, "Olá %s!\n\n", customerName(a))
	b.WriteString("Sua visita foi agendada com sucesso:\n\n")
	fmt.Fprintf(&b, "📅 *Data:* %s\n", LongDate(a.Date))
	fmt.Fprintf(&b, "🕒 *Horário:* %s\n", a.Time)
	if a.SalespersonName != "" {
		fmt.Fprintf(&b, "👤 *Atendimento com:* %s\n", a.SalespersonName)
	}
	if a.ProductInterest != "" {
		fmt.Fprintf(&b, "💎 *Interesse:* %s\n", a.ProductInterest)
	}
	b.WriteString("\n📍 Aguardamos você!\n\n")
	b.WriteString(`_Responda "confirmar" para confirmar sua presença._`)
	return b.String()
}

// SalespersonNotification tells the assigned salesperson about a booking.
func SalespersonNotification(a *domain.Appointment) string {
	var b strings.Builder
	b.WriteString("🔔 *Novo Agendamento*\n\n")
	fmt.Fprintf(&b, "👤 *Cliente:* %s\n", customerName(a))
	fmt.Fprintf(&b, "📱 *Telefone:* %s\n", a.CustomerPhone)
	fmt.Fprintf(&b, "📅 *Data:* %s\n", a.Date)
	fmt.Fprintf(&b, "🕒 *Horário:* %s\n", a.Time)
	if a.ProductInterest != "" {
		fmt.Fprintf(&b, "💎 *Interesse:* %s\n", a.ProductInterest)
	}
	b.WriteString("\n_Cliente aguarda confirmação._")
	return b.String()
}

// DailyReport renders one salesperson's agenda for date.
func DailyReport(date string, appointments []*domain.Appointment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📅 *Agenda de Hoje* (%s)\n\n", LongDate(date))
	if len(appointments) == 0 {
		b.WriteString("Você não tem agendamentos para hoje. 😊\n\n")
		b.WriteString("Aproveite para organizar o showroom!")
		return b.String()
	}
	fmt.Fprintf(&b, "Você tem *%d cliente(s)* agendados:\n\n", len(appointments))
	for i, a := range appointments {
		fmt.Fprintf(&b, "%d. *%s* - %s\n", i+1, a.Time, customerName(a))
		fmt.Fprintf(&b, "   📱 %s\n", a.CustomerPhone)
		if a.ProductInterest != "" {
			fmt.Fprintf(&b, "   💎 %s\n", a.ProductInterest)
		}
		if a.Notes != "" {
			fmt.Fprintf(&b, "   📝 %s\n", a.Notes)
		}
		b.WriteString("\n")
	}
	b.WriteString("Boa sorte! 🎯")
	return b.String()
}

func customerName(a *domain.Appointment) string {
	if a.CustomerName != "" {
		return a.CustomerName
	}
	return "Cliente"
}
