// Package bus provides the in-process event bus connecting platform
// adapters, the message pipeline, the agent loop and extension packs.
//
// Handlers connect either to one Kind or globally. Emit delivers a signal
// synchronously in priority order and never fails: handler errors and panics
// are logged and reported to ErrorListeners. Enqueue hands a signal to the
// drain loop started with Start, dropping it when the bounded queue is full.
//
//	b := bus.New()
//	b.Connect(bus.KindGatewayMessageIn, func(ctx context.Context, sig *bus.Signal) error {
//		ev := sig.Payload.(core.Event)
//		...
//		return nil
//	}, bus.WithPriority(bus.PriorityHigh))
//
//	_ = b.Start(ctx)
//	defer b.Stop()
//	b.Enqueue(bus.NewSignal(bus.KindGatewayMessageIn, ev, "console"))
package bus
