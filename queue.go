package mediasched

const initialQueueBuffer = 64

// classQueue is a bounded first-in–first-out task queue for one class.
//
// Tasks are dispatched strictly in the order they are pushed. The ring
// buffer grows on demand up to capacity; a push beyond capacity is
// rejected with ErrQueueFull instead of being dropped.
//
// classQueue is not safe for concurrent use; the dispatcher serializes
// access.
type classQueue[P any] struct {
	buf        []Task[P] // circular buffer
	head, tail int       // read/write indices
	size       int       // number of tasks currently buffered
	capacity   int
}

func newClassQueue[P any](capacity int) *classQueue[P] {
	return &classQueue[P]{
		buf:      make([]Task[P], min(capacity, initialQueueBuffer)),
		capacity: capacity,
	}
}

// Len returns the number of tasks waiting in the queue.
func (q *classQueue[P]) Len() int { return q.size }

// Cap returns the configured capacity.
func (q *classQueue[P]) Cap() int { return q.capacity }

// Push appends t at the tail.
func (q *classQueue[P]) Push(t Task[P]) error {
	if q.size == q.capacity {
		return ErrQueueFull
	}
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[q.tail] = t
	q.tail++
	if q.tail == len(q.buf) {
		q.tail = 0
	}
	q.size++
	return nil
}

// Pop removes and returns the oldest task.
func (q *classQueue[P]) Pop() (Task[P], bool) {
	if q.size == 0 {
		return Task[P]{}, false
	}
	t := q.buf[q.head]
	q.buf[q.head] = Task[P]{}
	q.head++
	if q.head == len(q.buf) {
		q.head = 0
	}
	q.size--
	return t, true
}

// Keys returns queued keys in dispatch order.
func (q *classQueue[P]) Keys() []string {
	keys := make([]string, 0, q.size)
	for i := 0; i < q.size; i++ {
		keys = append(keys, q.buf[(q.head+i)%len(q.buf)].Key)
	}
	return keys
}

func (q *classQueue[P]) grow() {
	n := min(max(len(q.buf)*2, 1), q.capacity)
	buf := make([]Task[P], n)
	for i := 0; i < q.size; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
	q.tail = q.size % n
}
